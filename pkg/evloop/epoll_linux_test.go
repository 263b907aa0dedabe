//go:build linux

package evloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/asyncmongo/asyncmongo/pkg/async"
	"github.com/asyncmongo/asyncmongo/pkg/conn"
	"github.com/asyncmongo/asyncmongo/pkg/models"
)

func replyFrame(cursorID int64, docs ...bsoncore.Document) []byte {
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

// TestLoopDrivesQueryRoundTrip runs the loop against a fake server on the
// other end of a socketpair: the query goes out, the reply comes back, the
// callback disconnects, the loop winds down.
func TestLoopDrivesQueryRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	peer := fds[1]
	defer unix.Close(peer)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	c := conn.ConnectFd(zap.NewNop(), fds[0])
	c.ClearFlag(conn.FlagBlock)
	ac, err := async.NewWithConn(c)
	require.NoError(t, err)

	loop, err := New(zap.NewNop(), ac)
	require.NoError(t, err)

	require.NoError(t, ac.SetConnectCallback(func(_ *async.Context, err error) {
		require.NoError(t, err)
	}))

	var gotDocs int32
	query := bsoncore.NewDocumentBuilder().AppendInt32("ping", 1).Build()
	require.NoError(t, ac.Query(func(ac *async.Context, reply *models.Reply, _ interface{}) {
		require.NotNil(t, reply)
		gotDocs = reply.NumberReturned()
		ac.Disconnect()
	}, nil, 0, "db", "$cmd", 0, -1, query, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// Fake server: swallow the request, answer with one document.
	buf := make([]byte, 4096)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)
	_, err = unix.Write(peer, replyFrame(0, bsoncore.NewDocumentBuilder().AppendInt32("ok", 1).Build()))
	require.NoError(t, err)

	require.NoError(t, <-done)
	assert.Equal(t, int32(1), gotDocs)
}
