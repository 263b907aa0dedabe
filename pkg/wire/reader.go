package wire

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"

	"github.com/asyncmongo/asyncmongo/pkg/models"
)

// maxMessageSize is the largest frame the server may legally produce
// (48MB, per the wire protocol limits).
const maxMessageSize = 48 * 1000 * 1000

const headerSize = 16

// Reader incrementally parses OP_REPLY frames out of a byte stream. Bytes
// are handed in with Feed in arbitrary chunks; Poll yields one parsed reply
// at a time and leaves unconsumed trailing bytes buffered for the next call.
type Reader struct {
	buf []byte
}

func NewReader() *Reader {
	return &Reader{}
}

// Feed appends raw socket bytes to the input buffer.
func (r *Reader) Feed(p []byte) {
	r.buf = append(r.buf, p...)
}

// Buffered reports how many unconsumed bytes the reader holds.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// Reset drops all buffered input.
func (r *Reader) Reset() {
	r.buf = nil
}

// Poll returns the next fully parsed reply, or (nil, nil) when the buffered
// bytes do not yet hold a complete frame. A parse error poisons the stream;
// the caller must tear the connection down, resynchronization is impossible.
func (r *Reader) Poll() (*models.Reply, error) {
	var length uint32
	if UnpackFrom(r.buf, 0, "<i", &length) == -1 {
		// Not even the length prefix has arrived yet.
		return nil, nil
	}
	messageLength := int32(length)
	if messageLength < headerSize || messageLength > maxMessageSize {
		return nil, fmt.Errorf("wire: malformed reply message: length %d out of range", messageLength)
	}
	if len(r.buf) < int(messageLength) {
		return nil, nil
	}

	frame := r.buf[:messageLength]
	reply, err := parseReply(frame)
	if err != nil {
		return nil, err
	}
	r.buf = r.buf[messageLength:]
	return reply, nil
}

func parseReply(frame []byte) (*models.Reply, error) {
	_, _, _, opcode, wm, ok := wiremessage.ReadHeader(frame)
	if !ok {
		return nil, errors.New("wire: malformed reply message: truncated header")
	}
	if opcode != wiremessage.OpReply {
		return nil, fmt.Errorf("wire: malformed reply message: unexpected opcode %d", opcode)
	}

	var flags wiremessage.ReplyFlag
	flags, wm, ok = wiremessage.ReadReplyFlags(wm)
	if !ok {
		return nil, errors.New("wire: malformed reply message: missing OP_REPLY flags")
	}
	var cursorID int64
	cursorID, wm, ok = wiremessage.ReadReplyCursorID(wm)
	if !ok {
		return nil, errors.New("wire: malformed reply message: cursor id")
	}
	var startingFrom int32
	startingFrom, wm, ok = wiremessage.ReadReplyStartingFrom(wm)
	if !ok {
		return nil, errors.New("wire: malformed reply message: starting from")
	}
	var numReturned int32
	numReturned, wm, ok = wiremessage.ReadReplyNumberReturned(wm)
	if !ok {
		return nil, errors.New("wire: malformed reply message: number returned")
	}

	var documents []bsoncore.Document
	for i := int32(0); i < numReturned && len(wm) > 0; i++ {
		var doc bsoncore.Document
		doc, wm, ok = bsoncore.ReadDocument(wm)
		if !ok {
			return nil, errors.New("wire: malformed reply message: truncated bson document")
		}
		documents = append(documents, doc)
	}

	reply := &models.Reply{
		Type:          models.ReplyArray,
		Elements:      documents,
		ResponseFlags: flags,
		CursorID:      cursorID,
		StartingFrom:  startingFrom,
	}
	if flags&wiremessage.QueryFailure == wiremessage.QueryFailure && len(documents) > 0 {
		reply.Type = models.ReplyError
		if msg, ok := documents[0].Lookup("$err").StringValueOK(); ok {
			reply.Str = []byte(msg)
		}
	}
	return reply, nil
}
