package wire

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
)

var (
	// ErrBadNamespace reports an empty or malformed database/collection pair.
	ErrBadNamespace = errors.New("wire: invalid database or collection name")
	// ErrNoDocuments reports a request without payload: an insert with no
	// documents, a kill-cursors with no cursor ids, or an empty query,
	// selector or update document.
	ErrNoDocuments = errors.New("wire: request needs at least one document or cursor id")
)

// fullCollectionName builds the "db.col" namespace used by the legacy opcodes.
func fullCollectionName(db, col string) (string, error) {
	if db == "" || col == "" || strings.Contains(db, ".") {
		return "", ErrBadNamespace
	}
	return db + "." + col, nil
}

func validateDocument(doc bsoncore.Document) error {
	if len(doc) == 0 {
		return ErrNoDocuments
	}
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("wire: malformed bson document: %w", err)
	}
	return nil
}

// AppendQuery appends an OP_QUERY frame to dst.
// returnFieldsSelector may be nil.
func AppendQuery(dst []byte, requestID int32, flags wiremessage.QueryFlag, db, col string, numberToSkip, numberToReturn int32, query, returnFieldsSelector bsoncore.Document) ([]byte, error) {
	ns, err := fullCollectionName(db, col)
	if err != nil {
		return dst, err
	}
	if err := validateDocument(query); err != nil {
		return dst, err
	}
	if len(returnFieldsSelector) != 0 {
		if err := returnFieldsSelector.Validate(); err != nil {
			return dst, fmt.Errorf("wire: malformed return fields selector: %w", err)
		}
	}

	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, 0, wiremessage.OpQuery)
	dst = wiremessage.AppendQueryFlags(dst, flags)
	dst = wiremessage.AppendQueryFullCollectionName(dst, ns)
	dst = wiremessage.AppendQueryNumberToSkip(dst, numberToSkip)
	dst = wiremessage.AppendQueryNumberToReturn(dst, numberToReturn)
	dst = append(dst, query...)
	if len(returnFieldsSelector) != 0 {
		dst = append(dst, returnFieldsSelector...)
	}
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:]))), nil
}

// AppendInsert appends an OP_INSERT frame carrying one or more documents.
func AppendInsert(dst []byte, requestID int32, flags int32, db, col string, docs []bsoncore.Document) ([]byte, error) {
	ns, err := fullCollectionName(db, col)
	if err != nil {
		return dst, err
	}
	if len(docs) == 0 {
		return dst, ErrNoDocuments
	}
	for _, doc := range docs {
		if err := validateDocument(doc); err != nil {
			return dst, err
		}
	}

	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, 0, wiremessage.OpInsert)
	dst = AppendPack(dst, "<iS", flags, ns)
	for _, doc := range docs {
		dst = append(dst, doc...)
	}
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:]))), nil
}

// AppendUpdate appends an OP_UPDATE frame.
func AppendUpdate(dst []byte, requestID int32, db, col string, flags int32, selector, update bsoncore.Document) ([]byte, error) {
	ns, err := fullCollectionName(db, col)
	if err != nil {
		return dst, err
	}
	if err := validateDocument(selector); err != nil {
		return dst, err
	}
	if err := validateDocument(update); err != nil {
		return dst, err
	}

	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, 0, wiremessage.OpUpdate)
	dst = AppendPack(dst, "<iSi", int32(0), ns, flags) // leading ZERO is reserved
	dst = append(dst, selector...)
	dst = append(dst, update...)
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:]))), nil
}

// AppendDelete appends an OP_DELETE frame.
func AppendDelete(dst []byte, requestID int32, db, col string, flags int32, selector bsoncore.Document) ([]byte, error) {
	ns, err := fullCollectionName(db, col)
	if err != nil {
		return dst, err
	}
	if err := validateDocument(selector); err != nil {
		return dst, err
	}

	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, 0, wiremessage.OpDelete)
	dst = AppendPack(dst, "<iSi", int32(0), ns, flags) // leading ZERO is reserved
	dst = append(dst, selector...)
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:]))), nil
}

// AppendKillCursors appends an OP_KILL_CURSORS frame.
func AppendKillCursors(dst []byte, requestID int32, cursorIDs []int64) ([]byte, error) {
	if len(cursorIDs) == 0 {
		return dst, ErrNoDocuments
	}

	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, 0, wiremessage.OpKillCursors)
	dst = wiremessage.AppendKillCursorsZero(dst)
	dst = wiremessage.AppendKillCursorsNumberIDs(dst, int32(len(cursorIDs)))
	dst = wiremessage.AppendKillCursorsCursorIDs(dst, cursorIDs)
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:]))), nil
}

// AppendGetMore appends an OP_GET_MORE frame continuing the given cursor.
func AppendGetMore(dst []byte, requestID int32, db, col string, numberToReturn int32, cursorID int64) ([]byte, error) {
	ns, err := fullCollectionName(db, col)
	if err != nil {
		return dst, err
	}

	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, 0, wiremessage.OpGetMore)
	dst = wiremessage.AppendGetMoreZero(dst)
	dst = wiremessage.AppendGetMoreFullCollectionName(dst, ns)
	dst = wiremessage.AppendGetMoreNumberToReturn(dst, numberToReturn)
	dst = wiremessage.AppendGetMoreCursorID(dst, cursorID)
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:]))), nil
}

// AppendGetLastError appends the getLastError command as an OP_QUERY on
// db.$cmd. Write opcodes have no wire reply; the reply to this query stands
// in for the outcome of the write that precedes it on the same connection.
// An empty db falls back to admin, which is where cursor-level commands run.
func AppendGetLastError(dst []byte, requestID int32, db string) ([]byte, error) {
	if db == "" {
		db = "admin"
	}
	cmd := bsoncore.NewDocumentBuilder().AppendInt32("getLastError", 1).Build()
	return AppendQuery(dst, requestID, 0, db, "$cmd", 0, -1, cmd, nil)
}
