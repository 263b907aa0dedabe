//go:build darwin

package conn

import "golang.org/x/sys/unix"

// Darwin only exposes the idle interval; probe spacing and count keep the
// system defaults.
func setKeepAliveProbes(fd, interval int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPALIVE, interval)
}
