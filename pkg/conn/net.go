package conn

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/asyncmongo/asyncmongo/utils"
)

// ConnectRetries bounds how often EADDRNOTAVAIL is retried on the same
// candidate address while SO_REUSEADDR rebinding is in use.
const ConnectRetries = 10

const maxPollMsec = math.MaxInt32

func (c *Conn) closeFd() {
	if c.fd >= 0 {
		if err := unix.Close(c.fd); err != nil {
			utils.LogError(c.logger, err, "failed to close the socket")
		}
		c.fd = -1
	}
}

func (c *Conn) setBlocking(blocking bool) error {
	if err := unix.SetNonblock(c.fd, !blocking); err != nil {
		c.setError(ErrIO, err, "fcntl(O_NONBLOCK)")
		c.closeFd()
		return c.err
	}
	return nil
}

func (c *Conn) setReuseAddr() error {
	if err := unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		c.setError(ErrIO, err, "setsockopt(SO_REUSEADDR)")
		c.closeFd()
		return c.err
	}
	return nil
}

func (c *Conn) setTCPNoDelay() error {
	if err := unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		c.setError(ErrIO, err, "setsockopt(TCP_NODELAY)")
		c.closeFd()
		return c.err
	}
	return nil
}

// EnableKeepAlive turns on SO_KEEPALIVE with the given idle interval in
// seconds. Probes run every max(1, interval/3) seconds, three probes before
// the peer is declared dead; the exact socket options differ per platform.
func (c *Conn) EnableKeepAlive(interval int) error {
	if err := unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		c.setError(ErrOther, err, "setsockopt(SO_KEEPALIVE)")
		return c.err
	}
	if err := setKeepAliveProbes(c.fd, interval); err != nil {
		c.setError(ErrOther, err, "setsockopt(keepalive probes)")
		return c.err
	}
	return nil
}

// timeoutMsec converts the configured timeout to milliseconds, rounding the
// sub-millisecond remainder up and clamping to the poll(2) range. -1 means
// no timeout.
func (c *Conn) timeoutMsec() (int, error) {
	if c.timeout == nil {
		return -1, nil
	}
	d := *c.timeout
	if d < 0 {
		c.setError(ErrIO, nil, "invalid timeout specified")
		return -1, c.err
	}
	msec := int64((d + time.Millisecond - 1) / time.Millisecond)
	if msec > maxPollMsec {
		msec = maxPollMsec
	}
	return int(msec), nil
}

// waitReady blocks until the in-progress connect finishes, used by the
// blocking connect variants only.
func (c *Conn) waitReady(errno error, msec int) error {
	if !errors.Is(errno, unix.EINPROGRESS) {
		c.setError(ErrIO, errno, "connect")
		c.closeFd()
		return c.err
	}

	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, msec)
	if err != nil {
		c.setError(ErrIO, err, "poll(2)")
		c.closeFd()
		return c.err
	}
	if n == 0 {
		c.setError(ErrIO, unix.ETIMEDOUT, "")
		c.closeFd()
		return c.err
	}

	if err := c.CheckSocketError(); err != nil {
		return err
	}
	return nil
}

// CheckSocketError diagnoses the outcome of a pending connect(2) after a
// readiness event by draining SO_ERROR. The returned error wraps the raw
// errno so callers can test for EINPROGRESS.
func (c *Conn) CheckSocketError() error {
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		c.setError(ErrIO, err, "getsockopt(SO_ERROR)")
		return c.err
	}
	if soerr != 0 {
		c.setError(ErrIO, unix.Errno(soerr), "")
		return c.err
	}
	return nil
}

// SetTimeout applies the timeout to future blocking reads and writes and
// remembers it for reconnects.
func (c *Conn) SetTimeout(timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		c.setError(ErrIO, err, "setsockopt(SO_RCVTIMEO)")
		return c.err
	}
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		c.setError(ErrIO, err, "setsockopt(SO_SNDTIMEO)")
		return c.err
	}
	c.timeout = &timeout
	return nil
}

// resolve returns the candidate addresses for host, A records first and AAAA
// only when no IPv4 address exists. Testing IPv6 connectivity up front would
// add latency to every connect.
func resolve(host string) ([]net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip4", host)
	if err == nil && len(ips) > 0 {
		return ips, nil
	}
	ips6, err6 := net.DefaultResolver.LookupIP(context.Background(), "ip6", host)
	if err6 == nil && len(ips6) > 0 {
		return ips6, nil
	}
	if err == nil {
		err = err6
	}
	return nil, err
}

func sockaddrFor(ip net.IP, port int) (unix.Sockaddr, int) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6
}

// bindSource binds the socket to the configured source address, matching the
// address family of the destination candidate.
func (c *Conn) bindSource(family int) error {
	ips, err := resolve(c.tcp.sourceAddr)
	if err != nil {
		c.setError(ErrOther, err, "can't resolve source addr %s", c.tcp.sourceAddr)
		return c.err
	}

	if c.flags&FlagReuseAddr != 0 {
		if err := c.setReuseAddr(); err != nil {
			return err
		}
	}

	for _, ip := range ips {
		sa, fam := sockaddrFor(ip, 0)
		if fam != family {
			continue
		}
		if err := unix.Bind(c.fd, sa); err == nil {
			return nil
		}
	}
	c.setError(ErrOther, nil, "can't bind socket to %s", c.tcp.sourceAddr)
	return c.err
}

func (c *Conn) connectTCP(host string, port int, timeout *time.Duration, sourceAddr string) error {
	blocking := c.flags&FlagBlock != 0
	reuseaddr := c.flags&FlagReuseAddr != 0

	c.connType = ConnTCP
	c.tcp.host = host
	c.tcp.port = port
	c.tcp.sourceAddr = sourceAddr
	c.timeout = timeout

	msec, err := c.timeoutMsec()
	if err != nil {
		return err
	}

	ips, err := resolve(host)
	if err != nil {
		c.setError(ErrOther, err, "can't resolve %s", host)
		return c.err
	}

	var lastErr error
	for _, ip := range ips {
		sa, family := sockaddrFor(ip, port)

		reuses := 0
	addrretry:
		fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
		if err != nil {
			lastErr = err
			continue
		}
		unix.CloseOnExec(fd)
		c.fd = fd

		if err := c.setBlocking(false); err != nil {
			return err
		}
		if sourceAddr != "" {
			if err := c.bindSource(family); err != nil {
				return err
			}
		}

		if err := unix.Connect(c.fd, sa); err != nil {
			switch {
			case errors.Is(err, unix.EHOSTUNREACH):
				c.closeFd()
				lastErr = err
				continue
			case errors.Is(err, unix.EINPROGRESS) && !blocking:
				// Expected for a non-blocking connect; confirmed by the
				// first write-readiness event.
			case errors.Is(err, unix.EADDRNOTAVAIL) && reuseaddr:
				reuses++
				if reuses >= ConnectRetries {
					c.setError(ErrOther, err, "can't connect from %s", sourceAddr)
					c.closeFd()
					return c.err
				}
				c.closeFd()
				goto addrretry
			default:
				if err := c.waitReady(err, msec); err != nil {
					return err
				}
			}
		}

		if blocking {
			if err := c.setBlocking(true); err != nil {
				return err
			}
		}
		if err := c.setTCPNoDelay(); err != nil {
			return err
		}

		c.flags |= FlagConnected
		return nil
	}

	c.setError(ErrOther, lastErr, "can't create socket")
	return c.err
}

func (c *Conn) connectUnix(path string, timeout *time.Duration) error {
	blocking := c.flags&FlagBlock != 0

	c.connType = ConnLocal
	c.local.path = path
	c.timeout = timeout

	msec, err := c.timeoutMsec()
	if err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		c.setError(ErrIO, err, "socket")
		return c.err
	}
	unix.CloseOnExec(fd)
	c.fd = fd

	if err := c.setBlocking(false); err != nil {
		return err
	}

	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(c.fd, sa); err != nil {
		if errors.Is(err, unix.EINPROGRESS) && !blocking {
			// Expected for a non-blocking connect.
		} else {
			if err := c.waitReady(err, msec); err != nil {
				return err
			}
		}
	}

	if blocking {
		if err := c.setBlocking(true); err != nil {
			return err
		}
	}

	c.flags |= FlagConnected
	return nil
}
