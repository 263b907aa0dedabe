//go:build linux

// Package evloop provides a minimal epoll-backed event loop driving one
// async connection. It exists to satisfy the controller's hook interface
// without baking any particular loop into the core; other loops implement
// the same five hooks.
package evloop

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/asyncmongo/asyncmongo/pkg/async"
	"github.com/asyncmongo/asyncmongo/utils"
)

// waitMsec bounds each epoll_wait so Run can observe context cancellation.
const waitMsec = 100

// Epoll drives a single file descriptor and dispatches readiness to the
// async controller. It implements async.Loop.
type Epoll struct {
	logger *zap.Logger
	epfd   int
	fd     int
	events uint32
	closed bool

	ac *async.Context
}

// New creates the loop for the controller's connection and attaches itself
// as the hook table.
func New(logger *zap.Logger, ac *async.Context) (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	e := &Epoll{
		logger: logger,
		epfd:   epfd,
		fd:     ac.Conn().Fd(),
		ac:     ac,
	}
	ev := unix.EpollEvent{Fd: int32(e.fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, e.fd, &ev); err != nil {
		if cerr := unix.Close(epfd); cerr != nil {
			utils.LogError(logger, cerr, "failed to close the epoll descriptor")
		}
		return nil, err
	}

	if err := ac.Attach(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Epoll) modify(set, clear uint32) {
	if e.closed {
		return
	}
	e.events = (e.events | set) &^ clear
	ev := unix.EpollEvent{Events: e.events, Fd: int32(e.fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, e.fd, &ev); err != nil {
		utils.LogError(e.logger, err, "failed to update epoll interest")
	}
}

func (e *Epoll) AddRead()  { e.modify(unix.EPOLLIN, 0) }
func (e *Epoll) DelRead()  { e.modify(0, unix.EPOLLIN) }
func (e *Epoll) AddWrite() { e.modify(unix.EPOLLOUT, 0) }
func (e *Epoll) DelWrite() { e.modify(0, unix.EPOLLOUT) }

// Cleanup tears the loop down; the controller calls it exactly once while
// destroying itself.
func (e *Epoll) Cleanup() {
	if e.closed {
		return
	}
	e.closed = true
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, e.fd, nil); err != nil && !errors.Is(err, unix.EBADF) {
		utils.LogError(e.logger, err, "failed to deregister the socket from epoll")
	}
	if err := unix.Close(e.epfd); err != nil {
		utils.LogError(e.logger, err, "failed to close the epoll descriptor")
	}
}

// Run dispatches readiness events until the connection goes away or ctx is
// cancelled. It must be the only goroutine touching the controller.
func (e *Epoll) Run(ctx context.Context) error {
	var events [1]unix.EpollEvent
	for {
		if e.closed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.EpollWait(e.epfd, events[:], waitMsec)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if e.closed {
				// Cleanup raced the wait; the controller is gone.
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}

		ev := events[0].Events
		if ev&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			e.ac.HandleRead()
		}
		if e.closed {
			return nil
		}
		if ev&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			e.ac.HandleWrite()
		}
	}
}
