// Package async bridges a non-blocking connection to an external
// readiness-notification event loop. The loop delivers read/write readiness
// through HandleRead and HandleWrite; replies are dispatched in FIFO order
// to per-request callbacks. All methods must be called from the loop thread.
package async

import (
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/asyncmongo/asyncmongo/pkg/conn"
	"github.com/asyncmongo/asyncmongo/pkg/models"
)

// ErrShutdown is returned by submit operations once a disconnect or free has
// been requested; the output buffer is left untouched.
var ErrShutdown = errors.New("async: connection is shutting down")

// ErrCallbackSet is returned when a connect/disconnect hook is registered
// twice; the hook table is written once.
var ErrCallbackSet = errors.New("async: callback already set")

// Loop is the capability interface an event loop implements for one
// connection. The controller treats readiness as level-triggered: it re-arms
// after every operation that wants more of that readiness class and never
// assumes edge-triggered redelivery. Cleanup is invoked exactly once, during
// destruction.
type Loop interface {
	AddRead()
	DelRead()
	AddWrite()
	DelWrite()
	Cleanup()
}

// CallbackFn receives the reply for one request. reply is nil when the
// connection shut down before the reply arrived.
type CallbackFn func(ac *Context, reply *models.Reply, privdata interface{})

// ConnectCallback observes the outcome of the socket handshake; err is nil
// on success.
type ConnectCallback func(ac *Context, err error)

// DisconnectCallback fires once when the connection goes away; err is nil
// for a clean disconnect.
type DisconnectCallback func(ac *Context, err error)

// Context is the async controller. It owns the connection and the pending
// callback queue; the two share one lifetime.
type Context struct {
	logger *zap.Logger
	c      *conn.Conn

	loop Loop

	onConnect    ConnectCallback
	onDisconnect DisconnectCallback

	replies *callbackQueue

	// err mirrors the connection's error slot each time a confirmation or
	// disconnect runs, so callbacks see a consistent view without reaching
	// into the connection.
	err *conn.Error

	freed bool

	// Data is an opaque slot for the user of the context.
	Data interface{}
}

func initialize(c *conn.Conn) *Context {
	// The connect primitives set FlagConnected as soon as the connect
	// sequence returns, even while a non-blocking handshake is still in
	// progress. The async API waits for the first readiness event instead,
	// so the flag is reset here.
	c.ClearFlag(conn.FlagConnected)
	return &Context{
		logger:  c.Logger(),
		c:       c,
		replies: newCallbackQueue(),
		err:     c.Err(),
	}
}

// Connect starts a non-blocking TCP connect and wraps it in a controller.
func Connect(logger *zap.Logger, host string, port int) (*Context, error) {
	c, err := conn.ConnectNonBlock(logger, host, port)
	if err != nil {
		return nil, err
	}
	return initialize(c), nil
}

// ConnectBind is Connect with a bound source address.
func ConnectBind(logger *zap.Logger, host string, port int, sourceAddr string) (*Context, error) {
	c, err := conn.ConnectBindNonBlock(logger, host, port, sourceAddr)
	if err != nil {
		return nil, err
	}
	return initialize(c), nil
}

// ConnectBindWithReuse is ConnectBind with SO_REUSEADDR on the source.
func ConnectBindWithReuse(logger *zap.Logger, host string, port int, sourceAddr string) (*Context, error) {
	c, err := conn.ConnectBindNonBlockWithReuse(logger, host, port, sourceAddr)
	if err != nil {
		return nil, err
	}
	return initialize(c), nil
}

// ConnectUnix starts a non-blocking local-socket connect.
func ConnectUnix(logger *zap.Logger, path string) (*Context, error) {
	c, err := conn.ConnectUnixNonBlock(logger, path)
	if err != nil {
		return nil, err
	}
	return initialize(c), nil
}

// NewWithConn wraps an existing non-blocking connection. The connection must
// not be in blocking mode.
func NewWithConn(c *conn.Conn) (*Context, error) {
	if c.HasFlag(conn.FlagBlock) {
		return nil, errors.New("async: connection is in blocking mode")
	}
	return initialize(c), nil
}

// Conn exposes the owned connection.
func (ac *Context) Conn() *conn.Conn { return ac.c }

// Err returns the mirrored error slot, nil while the connection is healthy.
func (ac *Context) Err() *conn.Error { return ac.err }

// PendingCallbacks reports how many requests still await a reply.
func (ac *Context) PendingCallbacks() int { return ac.replies.size() }

// Attach registers the event loop hooks. The hook table is written once.
func (ac *Context) Attach(loop Loop) error {
	if ac.loop != nil {
		return ErrCallbackSet
	}
	ac.loop = loop
	return nil
}

// SetConnectCallback registers the handshake observer and arms the write
// hook: the common way to detect an established connection is the first
// write-readiness event.
func (ac *Context) SetConnectCallback(fn ConnectCallback) error {
	if ac.onConnect != nil {
		return ErrCallbackSet
	}
	ac.onConnect = fn
	ac.addWrite()
	return nil
}

// SetDisconnectCallback registers the teardown observer.
func (ac *Context) SetDisconnectCallback(fn DisconnectCallback) error {
	if ac.onDisconnect != nil {
		return ErrCallbackSet
	}
	ac.onDisconnect = fn
	return nil
}

func (ac *Context) addRead() {
	if ac.loop != nil {
		ac.loop.AddRead()
	}
}

func (ac *Context) delRead() {
	if ac.loop != nil {
		ac.loop.DelRead()
	}
}

func (ac *Context) addWrite() {
	if ac.loop != nil {
		ac.loop.AddWrite()
	}
}

func (ac *Context) delWrite() {
	if ac.loop != nil {
		ac.loop.DelWrite()
	}
}

func (ac *Context) cleanup() {
	if ac.loop != nil {
		ac.loop.Cleanup()
	}
}

func (ac *Context) copyError() {
	ac.err = ac.c.Err()
}

// runCallback invokes one user callback with the in-callback guard held, so
// destruction requested from inside the callback is deferred until control
// returns here.
func (ac *Context) runCallback(cb pending, reply *models.Reply) {
	if cb.fn == nil {
		return
	}
	ac.c.SetFlag(conn.FlagInCallback)
	cb.fn(ac, reply, cb.privdata)
	ac.c.ClearFlag(conn.FlagInCallback)
}

// free destroys the context: pending callbacks run with a nil reply, the
// disconnect observer fires, the loop cleans up, the socket closes. It runs
// at most once.
func (ac *Context) free() {
	if ac.freed {
		return
	}
	ac.freed = true

	for {
		cb, ok := ac.replies.shift(nil)
		if !ok {
			break
		}
		ac.runCallback(cb, nil)
	}

	// The observer fires when the handshake completed, and also when the
	// handshake itself failed; a context freed before any confirmation has
	// nothing to report.
	if ac.onDisconnect != nil && (ac.c.HasFlag(conn.FlagConnected) || ac.err != nil) {
		if ac.c.HasFlag(conn.FlagFreeing) || ac.err == nil {
			ac.onDisconnect(ac, nil)
		} else {
			ac.onDisconnect(ac, ac.err)
		}
	}

	ac.cleanup()
	ac.c.Close()
}

// Free requests destruction of the context. Called from inside a callback it
// completes once control returns to ProcessCallbacks; otherwise it completes
// immediately. Any remaining callbacks run with a nil reply.
func (ac *Context) Free() {
	ac.c.SetFlag(conn.FlagFreeing)
	if !ac.c.HasFlag(conn.FlagInCallback) {
		ac.free()
	}
}

// shutdown makes the disconnect happen. With no error pending there are no
// queued callbacks left; with an error pending the disconnecting flag keeps
// the flushed callbacks from submitting new requests.
func (ac *Context) shutdown() {
	ac.copyError()
	if ac.err != nil {
		ac.logger.Debug("disconnecting after an error", zap.String("kind", ac.err.Kind.String()), zap.String("error", ac.err.Message))
		ac.c.SetFlag(conn.FlagDisconnecting)
	}
	ac.free()
}

// Disconnect requests a clean shutdown: new requests are refused, buffered
// output flushes, in-flight replies are delivered, then the socket closes
// and the disconnect observer fires. Called from inside a callback, or with
// replies still pending, the teardown is deferred to ProcessCallbacks.
func (ac *Context) Disconnect() {
	ac.c.SetFlag(conn.FlagDisconnecting)
	if !ac.c.HasFlag(conn.FlagInCallback) && ac.replies.empty() {
		ac.shutdown()
	}
}

// ProcessCallbacks drains parsed replies, invoking the matching pending
// callbacks in FIFO order. Replies with no queued callback are dropped: the
// server may produce unsolicited messages and the client cannot know what
// arrives over the wire.
func (ac *Context) ProcessCallbacks() {
	for {
		reply, err := ac.c.GetReply()
		if err != nil {
			// Parse errors desynchronize the stream; tear down.
			ac.shutdown()
			return
		}
		if reply == nil {
			// No more replies. If a clean disconnect has drained
			// everything, this is the cue to really go away.
			if ac.c.HasFlag(conn.FlagDisconnecting) && ac.c.OutputEmpty() && ac.replies.empty() {
				ac.shutdown()
				return
			}
			return
		}

		cb, ok := ac.replies.shift(reply)
		if ok {
			ac.runCallback(cb, reply)
			if ac.c.HasFlag(conn.FlagFreeing) {
				ac.free()
				return
			}
		} else {
			ac.logger.Debug("dropping a reply with no queued callback", zap.Int64("cursor id", reply.CursorID))
		}
	}
}

// handleConnect diagnoses the socket the first time a readiness event fires.
// connected reports whether the handshake is confirmed; an EINPROGRESS probe
// leaves the context waiting for the next event.
func (ac *Context) handleConnect() (connected bool, fatal bool) {
	if err := ac.c.CheckSocketError(); err != nil {
		if errors.Is(err, unix.EINPROGRESS) {
			// Try again on the next readiness event.
			return false, false
		}
		ac.copyError()
		if ac.onConnect != nil {
			ac.onConnect(ac, err)
		}
		ac.shutdown()
		return false, true
	}

	ac.c.SetFlag(conn.FlagConnected)
	if ac.onConnect != nil {
		ac.onConnect(ac, nil)
	}
	return true, false
}

// HandleRead must be called when the socket is readable. It buffers inbound
// bytes and dispatches every reply that can be parsed.
func (ac *Context) HandleRead() {
	if !ac.c.HasFlag(conn.FlagConnected) {
		connected, fatal := ac.handleConnect()
		if fatal || !connected {
			return
		}
	}

	if err := ac.c.BufferRead(); err != nil {
		ac.shutdown()
		return
	}
	// Always re-arm reads.
	ac.addRead()
	ac.ProcessCallbacks()
}

// HandleWrite must be called when the socket is writable. It confirms a
// pending connect, then drains the output buffer as far as the socket
// accepts.
func (ac *Context) HandleWrite() {
	if !ac.c.HasFlag(conn.FlagConnected) {
		connected, fatal := ac.handleConnect()
		if fatal || !connected {
			return
		}
	}

	done, err := ac.c.BufferWrite()
	if err != nil {
		ac.shutdown()
		return
	}
	if !done {
		ac.addWrite()
	} else {
		ac.delWrite()
	}
	// Always schedule reads after writes.
	ac.addRead()
}

// submit returns appendErr when the request could not be appended;
// otherwise it enqueues the callback and arms the write hook. Callers check
// rejectClosing before appending.
func (ac *Context) submit(fn CallbackFn, privdata interface{}, flags wiremessage.QueryFlag, appendErr error) error {
	if appendErr != nil {
		return appendErr
	}
	ac.replies.push(pending{fn: fn, privdata: privdata, flags: flags})
	ac.addWrite()
	return nil
}

func (ac *Context) rejectClosing() error {
	if ac.c.HasAnyFlag(conn.FlagDisconnecting | conn.FlagFreeing) {
		return ErrShutdown
	}
	return nil
}

// Query submits an OP_QUERY. The callback receives one reply, or every
// cursor batch when flags carries Exhaust.
func (ac *Context) Query(fn CallbackFn, privdata interface{}, flags wiremessage.QueryFlag, db, col string, numberToSkip, numberToReturn int32, query, returnFieldsSelector bsoncore.Document) error {
	if err := ac.rejectClosing(); err != nil {
		return err
	}
	return ac.submit(fn, privdata, flags,
		ac.c.AppendQuery(flags, db, col, numberToSkip, numberToReturn, query, returnFieldsSelector))
}

// FindOne queries for a single document.
func (ac *Context) FindOne(fn CallbackFn, privdata interface{}, db, col string, query, returnFieldsSelector bsoncore.Document) error {
	return ac.Query(fn, privdata, 0, db, col, 0, -1, query, returnFieldsSelector)
}

// FindAll streams every matching document with the exhaust flag. The server
// pushes all cursor batches without further get-more requests; the callback
// stays bound until the zero cursor arrives.
func (ac *Context) FindAll(fn CallbackFn, privdata interface{}, db, col string, query, returnFieldsSelector bsoncore.Document, numberPerBatch int32) error {
	return ac.Query(fn, privdata, wiremessage.Exhaust, db, col, 0, numberPerBatch, query, returnFieldsSelector)
}

// ListCollections asks the database for its collection catalog.
func (ac *Context) ListCollections(fn CallbackFn, privdata interface{}, db string) error {
	cmd := bsoncore.NewDocumentBuilder().AppendInt32("listCollections", 1).Build()
	return ac.Query(fn, privdata, 0, db, "$cmd", 0, -1, cmd, nil)
}

// GetMore submits an OP_GET_MORE continuing a live cursor.
func (ac *Context) GetMore(fn CallbackFn, privdata interface{}, db, col string, numberToReturn int32, cursorID int64) error {
	if err := ac.rejectClosing(); err != nil {
		return err
	}
	return ac.submit(fn, privdata, 0,
		ac.c.AppendGetMore(db, col, numberToReturn, cursorID))
}

// Insert submits an OP_INSERT. The opcode has no wire reply: with a non-nil
// fn a getLastError query is appended on the same database and fn is
// enqueued against its reply; with a nil fn nothing extra goes on the wire.
func (ac *Context) Insert(fn CallbackFn, privdata interface{}, flags int32, db, col string, docs ...bsoncore.Document) error {
	if err := ac.rejectClosing(); err != nil {
		return err
	}
	if err := ac.c.AppendInsert(flags, db, col, docs); err != nil {
		return err
	}
	return ac.confirmWrite(fn, privdata, db)
}

// Update submits an OP_UPDATE, confirmed like Insert.
func (ac *Context) Update(fn CallbackFn, privdata interface{}, db, col string, flags int32, selector, update bsoncore.Document) error {
	if err := ac.rejectClosing(); err != nil {
		return err
	}
	if err := ac.c.AppendUpdate(db, col, flags, selector, update); err != nil {
		return err
	}
	return ac.confirmWrite(fn, privdata, db)
}

// Delete submits an OP_DELETE, confirmed like Insert.
func (ac *Context) Delete(fn CallbackFn, privdata interface{}, db, col string, flags int32, selector bsoncore.Document) error {
	if err := ac.rejectClosing(); err != nil {
		return err
	}
	if err := ac.c.AppendDelete(db, col, flags, selector); err != nil {
		return err
	}
	return ac.confirmWrite(fn, privdata, db)
}

// KillCursors submits an OP_KILL_CURSORS, confirmed like Insert. The
// getLastError confirmation runs on the admin database.
func (ac *Context) KillCursors(fn CallbackFn, privdata interface{}, cursorIDs ...int64) error {
	if err := ac.rejectClosing(); err != nil {
		return err
	}
	if err := ac.c.AppendKillCursors(cursorIDs); err != nil {
		return err
	}
	return ac.confirmWrite(fn, privdata, "")
}

func (ac *Context) confirmWrite(fn CallbackFn, privdata interface{}, db string) error {
	if fn != nil {
		if err := ac.c.AppendGetLastError(db); err != nil {
			return err
		}
		ac.replies.push(pending{fn: fn, privdata: privdata})
	}
	// Always schedule a write when the write buffer is non-empty.
	ac.addWrite()
	return nil
}
