package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/asyncmongo/asyncmongo/pkg/wire"
)

// pairedConn builds a connection over one end of a socketpair and hands the
// peer descriptor to the test.
func pairedConn(t *testing.T, blocking bool) (*Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	c := newConn(zap.NewNop())
	c.fd = fds[0]
	c.flags |= FlagConnected
	if blocking {
		c.flags |= FlagBlock
	} else {
		require.NoError(t, unix.SetNonblock(fds[0], true))
	}

	t.Cleanup(func() {
		c.closeFd()
		_ = unix.Close(fds[1])
	})
	return c, fds[1]
}

func replyFrame(t *testing.T, cursorID int64, docs ...bsoncore.Document) []byte {
	t.Helper()
	idx, frame := wiremessage.AppendHeaderStart(nil, 1, 0, wiremessage.OpReply)
	frame = wiremessage.AppendReplyFlags(frame, 0)
	frame = wiremessage.AppendReplyCursorID(frame, cursorID)
	frame = wiremessage.AppendReplyStartingFrom(frame, 0)
	frame = wiremessage.AppendReplyNumberReturned(frame, int32(len(docs)))
	for _, doc := range docs {
		frame = append(frame, doc...)
	}
	return bsoncore.UpdateLength(frame, idx, int32(len(frame[idx:])))
}

func TestBufferWriteDrainsFIFO(t *testing.T) {
	c, peer := pairedConn(t, false)

	doc := bsoncore.NewDocumentBuilder().AppendInt32("a", 1).Build()
	require.NoError(t, c.AppendQuery(0, "db", "col", 0, -1, doc, nil))
	require.NoError(t, c.AppendGetLastError("db"))
	queued := append([]byte{}, c.Output()...)

	done, err := c.BufferWrite()
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, c.OutputEmpty())

	got := make([]byte, len(queued)+64)
	n, err := unix.Read(peer, got)
	require.NoError(t, err)
	assert.Equal(t, queued, got[:n])
}

func TestBufferReadFeedsReader(t *testing.T) {
	c, peer := pairedConn(t, false)

	frame := replyFrame(t, 0, bsoncore.NewDocumentBuilder().AppendInt32("ok", 1).Build())
	_, err := unix.Write(peer, frame)
	require.NoError(t, err)

	require.NoError(t, c.BufferRead())
	reply, err := c.GetReplyFromReader()
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, int32(1), reply.NumberReturned())
}

func TestBufferReadNoDataNonBlocking(t *testing.T) {
	c, _ := pairedConn(t, false)
	// Nothing buffered: EAGAIN is not an error.
	require.NoError(t, c.BufferRead())
	assert.Nil(t, c.Err())
}

func TestBufferReadEOF(t *testing.T) {
	c, peer := pairedConn(t, false)
	require.NoError(t, unix.Close(peer))

	err := c.BufferRead()
	require.Error(t, err)
	require.NotNil(t, c.Err())
	assert.Equal(t, ErrEOF, c.Err().Kind)
}

func TestGetReplyBlocking(t *testing.T) {
	c, peer := pairedConn(t, true)

	frame := replyFrame(t, 0, bsoncore.NewDocumentBuilder().AppendInt32("ok", 1).Build())
	_, err := unix.Write(peer, frame)
	require.NoError(t, err)

	doc := bsoncore.NewDocumentBuilder().AppendInt32("ping", 1).Build()
	require.NoError(t, c.AppendQuery(0, "db", "$cmd", 0, -1, doc, nil))

	reply, err := c.GetReply()
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.True(t, c.OutputEmpty())
}

func TestGetReplyNonBlockingReturnsNil(t *testing.T) {
	c, _ := pairedConn(t, false)
	reply, err := c.GetReply()
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestGetReplyProtocolError(t *testing.T) {
	c, peer := pairedConn(t, false)

	bad := make([]byte, 16) // length 0 < header size
	_, err := unix.Write(peer, bad)
	require.NoError(t, err)

	require.NoError(t, c.BufferRead())
	_, err = c.GetReply()
	require.Error(t, err)
	assert.Equal(t, ErrProtocol, c.Err().Kind)
}

func TestRequestIDMonotonic(t *testing.T) {
	c, _ := pairedConn(t, false)

	doc := bsoncore.NewDocumentBuilder().AppendInt32("a", 1).Build()
	require.NoError(t, c.AppendQuery(0, "db", "col", 0, -1, doc, nil))
	require.NoError(t, c.AppendQuery(0, "db", "col", 0, -1, doc, nil))

	out := c.Output()
	length, requestID, _, _, _, ok := wiremessage.ReadHeader(out)
	require.True(t, ok)
	assert.Equal(t, int32(1), requestID)

	_, requestID, _, _, _, ok = wiremessage.ReadHeader(out[length:])
	require.True(t, ok)
	assert.Equal(t, int32(2), requestID)
}

func TestAppendFormattedPipelines(t *testing.T) {
	c, _ := pairedConn(t, false)

	frame, err := wire.AppendGetLastError(nil, 99, "db")
	require.NoError(t, err)
	c.AppendFormatted(frame)
	assert.Equal(t, frame, c.Output())
}

func TestSubmitErrorLeavesBufferUntouched(t *testing.T) {
	c, _ := pairedConn(t, false)

	doc := bsoncore.NewDocumentBuilder().AppendInt32("a", 1).Build()
	require.NoError(t, c.AppendQuery(0, "db", "col", 0, -1, doc, nil))
	before := c.OutputLen()

	err := c.AppendQuery(0, "", "col", 0, -1, doc, nil)
	require.Error(t, err)
	assert.Equal(t, before, c.OutputLen())
}

func TestTimeoutMsec(t *testing.T) {
	c := newConn(zap.NewNop())

	msec, err := c.timeoutMsec()
	require.NoError(t, err)
	assert.Equal(t, -1, msec)

	timeout := 1500 * time.Microsecond
	c.timeout = &timeout
	msec, err = c.timeoutMsec()
	require.NoError(t, err)
	assert.Equal(t, 2, msec, "sub-millisecond remainder rounds up")

	timeout = time.Second
	msec, err = c.timeoutMsec()
	require.NoError(t, err)
	assert.Equal(t, 1000, msec)

	timeout = -time.Second
	_, err = c.timeoutMsec()
	assert.Error(t, err)
}

func TestCheckSocketErrorClean(t *testing.T) {
	c, _ := pairedConn(t, false)
	assert.NoError(t, c.CheckSocketError())
}

func TestCloseKeepFd(t *testing.T) {
	c, _ := pairedConn(t, false)
	fd := c.Fd()
	got := c.CloseKeepFd()
	assert.Equal(t, fd, got)
	assert.Equal(t, -1, c.Fd())
	assert.False(t, c.HasFlag(FlagConnected))
	require.NoError(t, unix.Close(got))
}
