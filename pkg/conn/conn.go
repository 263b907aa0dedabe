// Package conn owns a single MongoDB wire connection: the socket, the
// buffered output, the incremental reply reader and the per-connection
// error slot. Blocking and non-blocking modes share the same object; the
// async controller only composes with connections created non-blocking.
package conn

import (
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
	"go.uber.org/zap"

	"github.com/asyncmongo/asyncmongo/pkg/models"
	"github.com/asyncmongo/asyncmongo/pkg/wire"
)

// Flag is one bit of the connection state bitset.
type Flag int

const (
	// FlagBlock marks a connection in blocking mode.
	FlagBlock Flag = 1 << iota
	// FlagConnected is set by the connect primitives when the connect
	// sequence returns; for a non-blocking connect the handshake may still
	// be in progress. The async controller clears it and sets it again once
	// the first readiness event confirms the handshake.
	FlagConnected
	// FlagDisconnecting refuses new requests; pending replies drain, then
	// the connection closes.
	FlagDisconnecting
	// FlagFreeing requests destruction; it completes once control returns
	// from any in-flight callback.
	FlagFreeing
	// FlagInCallback is set while a user callback executes and defers
	// destruction and disconnection.
	FlagInCallback
	// FlagReuseAddr sets SO_REUSEADDR on the bound source address.
	FlagReuseAddr
)

// ConnectionType tags the transport under the connection.
type ConnectionType int

const (
	ConnTCP ConnectionType = iota
	ConnLocal
)

// KeepAliveInterval is the default keepalive idle time in seconds.
const KeepAliveInterval = 15

// readChunkSize is how much BufferRead pulls from the socket per call.
const readChunkSize = 16 * 1024

// Conn is the connection object. It is mutated only by the owning thread.
type Conn struct {
	logger *zap.Logger
	id     string

	fd    int
	flags Flag
	err   *Error

	obuf   []byte
	reader *wire.Reader

	connType ConnectionType
	timeout  *time.Duration

	tcp struct {
		host       string
		port       int
		sourceAddr string
	}
	local struct {
		path string
	}

	requestID int32
}

func newConn(logger *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		logger: logger.With(zap.String("connection id", id)),
		id:     id,
		fd:     -1,
		reader: wire.NewReader(),
	}
}

// Connect opens a blocking TCP connection.
func Connect(logger *zap.Logger, host string, port int) (*Conn, error) {
	c := newConn(logger)
	c.flags |= FlagBlock
	if err := c.connectTCP(host, port, nil, ""); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectWithTimeout opens a blocking TCP connection bounded by timeout,
// which also bounds subsequent reads and writes.
func ConnectWithTimeout(logger *zap.Logger, host string, port int, timeout time.Duration) (*Conn, error) {
	c := newConn(logger)
	c.flags |= FlagBlock
	if err := c.connectTCP(host, port, &timeout, ""); err != nil {
		return nil, err
	}
	if err := c.SetTimeout(timeout); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectNonBlock starts a non-blocking TCP connect. The handshake is
// confirmed by the first write-readiness event, see CheckSocketError.
func ConnectNonBlock(logger *zap.Logger, host string, port int) (*Conn, error) {
	c := newConn(logger)
	if err := c.connectTCP(host, port, nil, ""); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectBindNonBlock starts a non-blocking TCP connect bound to the given
// source address.
func ConnectBindNonBlock(logger *zap.Logger, host string, port int, sourceAddr string) (*Conn, error) {
	c := newConn(logger)
	if err := c.connectTCP(host, port, nil, sourceAddr); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectBindNonBlockWithReuse is ConnectBindNonBlock with SO_REUSEADDR set
// on the bound source address.
func ConnectBindNonBlockWithReuse(logger *zap.Logger, host string, port int, sourceAddr string) (*Conn, error) {
	c := newConn(logger)
	c.flags |= FlagReuseAddr
	if err := c.connectTCP(host, port, nil, sourceAddr); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectUnix opens a blocking connection over a local domain socket.
func ConnectUnix(logger *zap.Logger, path string) (*Conn, error) {
	c := newConn(logger)
	c.flags |= FlagBlock
	if err := c.connectUnix(path, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectUnixWithTimeout is ConnectUnix bounded by timeout.
func ConnectUnixWithTimeout(logger *zap.Logger, path string, timeout time.Duration) (*Conn, error) {
	c := newConn(logger)
	c.flags |= FlagBlock
	if err := c.connectUnix(path, &timeout); err != nil {
		return nil, err
	}
	if err := c.SetTimeout(timeout); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectUnixNonBlock starts a non-blocking connect over a local socket.
func ConnectUnixNonBlock(logger *zap.Logger, path string) (*Conn, error) {
	c := newConn(logger)
	if err := c.connectUnix(path, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectFd adopts an already connected file descriptor.
func ConnectFd(logger *zap.Logger, fd int) *Conn {
	c := newConn(logger)
	c.fd = fd
	c.flags |= FlagBlock | FlagConnected
	return c
}

// Reconnect re-dials with the parameters captured by the initial connect:
// endpoint, source address and timeout are reused, flags are kept as they
// are. The reader and both buffers start fresh.
func (c *Conn) Reconnect() error {
	c.err = nil
	c.closeFd()
	c.obuf = nil
	c.reader.Reset()
	c.flags &^= FlagConnected

	switch c.connType {
	case ConnTCP:
		err := c.connectTCP(c.tcp.host, c.tcp.port, c.timeout, c.tcp.sourceAddr)
		if err == nil && c.flags&FlagBlock != 0 && c.timeout != nil {
			return c.SetTimeout(*c.timeout)
		}
		return err
	case ConnLocal:
		return c.connectUnix(c.local.path, c.timeout)
	default:
		c.setError(ErrOther, nil, "can't reconnect: not connected before")
		return c.err
	}
}

// Close releases the socket. The connection keeps its endpoint parameters so
// Reconnect stays possible.
func (c *Conn) Close() {
	c.closeFd()
	c.flags &^= FlagConnected
}

// CloseKeepFd detaches and returns the file descriptor instead of closing it.
func (c *Conn) CloseKeepFd() int {
	fd := c.fd
	c.fd = -1
	c.flags &^= FlagConnected
	return fd
}

// ID is the connection identifier used in log fields.
func (c *Conn) ID() string { return c.id }

// Fd exposes the descriptor for event-loop registration. -1 when closed.
func (c *Conn) Fd() int { return c.fd }

// Logger returns the connection-scoped logger.
func (c *Conn) Logger() *zap.Logger { return c.logger }

// Err returns the error slot: the latest recorded failure, nil until one is
// recorded. A request rejected by validation is recorded here as well; the
// connection stays usable.
func (c *Conn) Err() *Error {
	return c.err
}

// HasFlag reports whether all bits of f are set.
func (c *Conn) HasFlag(f Flag) bool { return c.flags&f == f }

// HasAnyFlag reports whether any bit of f is set.
func (c *Conn) HasAnyFlag(f Flag) bool { return c.flags&f != 0 }

// SetFlag sets the bits of f.
func (c *Conn) SetFlag(f Flag) { c.flags |= f }

// ClearFlag clears the bits of f.
func (c *Conn) ClearFlag(f Flag) { c.flags &^= f }

func (c *Conn) setError(kind ErrKind, cause error, format string, args ...interface{}) {
	c.err = newError(kind, cause, format, args...)
}

// OutputEmpty reports whether the output buffer has drained.
func (c *Conn) OutputEmpty() bool { return len(c.obuf) == 0 }

// OutputLen reports how many bytes await writing.
func (c *Conn) OutputLen() int { return len(c.obuf) }

// Output exposes the buffered request bytes in write order.
func (c *Conn) Output() []byte { return c.obuf }

func (c *Conn) nextRequestID() int32 {
	c.requestID++
	return c.requestID
}

// AppendFormatted pipelines a pre-built frame into the output buffer.
func (c *Conn) AppendFormatted(frame []byte) {
	c.obuf = append(c.obuf, frame...)
}

// AppendQuery appends an OP_QUERY request to the output buffer.
func (c *Conn) AppendQuery(flags wiremessage.QueryFlag, db, col string, numberToSkip, numberToReturn int32, query, returnFieldsSelector bsoncore.Document) error {
	obuf, err := wire.AppendQuery(c.obuf, c.nextRequestID(), flags, db, col, numberToSkip, numberToReturn, query, returnFieldsSelector)
	if err != nil {
		c.setError(ErrOther, err, "")
		return err
	}
	c.obuf = obuf
	return nil
}

// AppendInsert appends an OP_INSERT request to the output buffer.
func (c *Conn) AppendInsert(flags int32, db, col string, docs []bsoncore.Document) error {
	obuf, err := wire.AppendInsert(c.obuf, c.nextRequestID(), flags, db, col, docs)
	if err != nil {
		c.setError(ErrOther, err, "")
		return err
	}
	c.obuf = obuf
	return nil
}

// AppendUpdate appends an OP_UPDATE request to the output buffer.
func (c *Conn) AppendUpdate(db, col string, flags int32, selector, update bsoncore.Document) error {
	obuf, err := wire.AppendUpdate(c.obuf, c.nextRequestID(), db, col, flags, selector, update)
	if err != nil {
		c.setError(ErrOther, err, "")
		return err
	}
	c.obuf = obuf
	return nil
}

// AppendDelete appends an OP_DELETE request to the output buffer.
func (c *Conn) AppendDelete(db, col string, flags int32, selector bsoncore.Document) error {
	obuf, err := wire.AppendDelete(c.obuf, c.nextRequestID(), db, col, flags, selector)
	if err != nil {
		c.setError(ErrOther, err, "")
		return err
	}
	c.obuf = obuf
	return nil
}

// AppendKillCursors appends an OP_KILL_CURSORS request to the output buffer.
func (c *Conn) AppendKillCursors(cursorIDs []int64) error {
	obuf, err := wire.AppendKillCursors(c.obuf, c.nextRequestID(), cursorIDs)
	if err != nil {
		c.setError(ErrOther, err, "")
		return err
	}
	c.obuf = obuf
	return nil
}

// AppendGetMore appends an OP_GET_MORE request to the output buffer.
func (c *Conn) AppendGetMore(db, col string, numberToReturn int32, cursorID int64) error {
	obuf, err := wire.AppendGetMore(c.obuf, c.nextRequestID(), db, col, numberToReturn, cursorID)
	if err != nil {
		c.setError(ErrOther, err, "")
		return err
	}
	c.obuf = obuf
	return nil
}

// AppendGetLastError appends the getLastError query that stands in for the
// reply of a preceding write opcode.
func (c *Conn) AppendGetLastError(db string) error {
	obuf, err := wire.AppendGetLastError(c.obuf, c.nextRequestID(), db)
	if err != nil {
		c.setError(ErrOther, err, "")
		return err
	}
	c.obuf = obuf
	return nil
}

// GetReplyFromReader returns the next parsed reply without touching the
// socket, or (nil, nil) when none is buffered.
func (c *Conn) GetReplyFromReader() (*models.Reply, error) {
	reply, err := c.reader.Poll()
	if err != nil {
		c.setError(ErrProtocol, err, "")
		return nil, c.err
	}
	return reply, nil
}

// GetReply returns unconsumed replies first. In blocking mode it then
// flushes the output buffer and reads until a reply arrives; in
// non-blocking mode it returns (nil, nil) once the parsed replies run out.
func (c *Conn) GetReply() (*models.Reply, error) {
	reply, err := c.GetReplyFromReader()
	if reply != nil || err != nil {
		return reply, err
	}
	if c.flags&FlagBlock == 0 {
		return nil, nil
	}

	for {
		done := false
		for !done {
			done, err = c.BufferWrite()
			if err != nil {
				return nil, err
			}
		}
		if err := c.BufferRead(); err != nil {
			return nil, err
		}
		reply, err := c.GetReplyFromReader()
		if reply != nil || err != nil {
			return reply, err
		}
	}
}
