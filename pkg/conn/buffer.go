package conn

import (
	"errors"

	"golang.org/x/sys/unix"
)

// BufferRead pulls whatever the socket holds into the reply reader's input
// buffer. EAGAIN is not an error in non-blocking mode; a zero-length read
// means the peer closed the stream.
func (c *Conn) BufferRead() error {
	var buf [readChunkSize]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return nil
		}
		c.setError(ErrIO, err, "read")
		return c.err
	}
	if n == 0 {
		c.setError(ErrEOF, nil, "server closed the connection")
		return c.err
	}
	c.reader.Feed(buf[:n])
	return nil
}

// BufferWrite drains as much of the output buffer as the socket accepts,
// preserving FIFO order across partial writes. done reports whether the
// buffer is fully flushed.
func (c *Conn) BufferWrite() (done bool, err error) {
	if len(c.obuf) > 0 {
		n, werr := unix.Write(c.fd, c.obuf)
		if werr != nil {
			if !errors.Is(werr, unix.EAGAIN) && !errors.Is(werr, unix.EWOULDBLOCK) && !errors.Is(werr, unix.EINTR) {
				c.setError(ErrIO, werr, "write")
				return false, c.err
			}
		} else if n == len(c.obuf) {
			c.obuf = nil
		} else {
			c.obuf = c.obuf[n:]
		}
	}
	return len(c.obuf) == 0, nil
}
