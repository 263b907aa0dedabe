// Package models holds the wire-level value types shared by the codec,
// the reply reader and the async dispatcher.
package models

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
)

// MongoHeader is the 16-byte header that starts every wire message,
// little-endian on the wire.
type MongoHeader struct {
	Length     int32
	RequestID  int32
	ResponseTo int32
	Opcode     wiremessage.OpCode
}

// ReplyType tags the payload variant carried by a Reply.
type ReplyType int

const (
	ReplyString ReplyType = iota + 1
	ReplyArray
	ReplyInteger
	ReplyNil
	ReplyError
)

// Reply is the parsed result of one OP_REPLY frame. Server documents stay
// opaque: each element is a length-prefixed BSON blob.
type Reply struct {
	Type     ReplyType
	Integer  int64
	Str      []byte
	Elements []bsoncore.Document

	ResponseFlags wiremessage.ReplyFlag
	CursorID      int64
	StartingFrom  int32
}

// NumberReturned reports how many documents the frame carried.
func (r *Reply) NumberReturned() int32 {
	return int32(len(r.Elements))
}

func (r *Reply) String() string {
	if r == nil {
		return "<nil>"
	}
	var docs []string
	for _, doc := range r.Elements {
		docs = append(docs, doc.String())
	}
	return fmt.Sprintf("{ OpReply flags: %d, cursorID: %d, startingFrom: %d, numReturned: %d, documents: [%s] }",
		r.ResponseFlags, r.CursorID, r.StartingFrom, len(r.Elements), strings.Join(docs, ", "))
}
