package async

// callbackQueue is a small wrapper around the gods linked-list queue holding
// the pending callbacks in submit order. It is owned by the async context
// and only ever touched from the loop thread.

import (
	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"

	"github.com/asyncmongo/asyncmongo/pkg/models"
)

// pending is one queued callback record. flags carries the query flags of
// the request that enqueued it; only Exhaust changes the pop policy.
type pending struct {
	fn       CallbackFn
	privdata interface{}
	flags    wiremessage.QueryFlag
}

type callbackQueue struct {
	q *linkedlistqueue.Queue
}

func newCallbackQueue() *callbackQueue {
	return &callbackQueue{q: linkedlistqueue.New()}
}

func (l *callbackQueue) push(cb pending) {
	l.q.Enqueue(cb)
}

// shift returns the head callback for the given reply. An exhaust-flagged
// head stays queued while the reply's cursor is live, so every
// cursor-continuation batch reuses the same callback; the zero-cursor batch
// pops it for good.
func (l *callbackQueue) shift(reply *models.Reply) (pending, bool) {
	head, ok := l.q.Peek()
	if !ok {
		return pending{}, false
	}
	cb := head.(pending)

	keep := cb.flags&wiremessage.Exhaust == wiremessage.Exhaust &&
		reply != nil && reply.CursorID != 0
	if !keep {
		l.q.Dequeue()
	}
	return cb, true
}

func (l *callbackQueue) empty() bool {
	return l.q.Empty()
}

func (l *callbackQueue) size() int {
	return l.q.Size()
}
