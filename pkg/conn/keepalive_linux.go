//go:build linux

package conn

import "golang.org/x/sys/unix"

func setKeepAliveProbes(fd, interval int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, interval); err != nil {
		return err
	}
	intvl := interval / 3
	if intvl == 0 {
		intvl = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, intvl); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
}
