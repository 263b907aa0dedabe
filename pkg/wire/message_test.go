package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
)

func testDoc(t *testing.T, key string, value int32) bsoncore.Document {
	t.Helper()
	return bsoncore.NewDocumentBuilder().AppendInt32(key, value).Build()
}

func TestAppendQueryFrame(t *testing.T) {
	query := testDoc(t, "ping", 1)

	frame, err := AppendQuery(nil, 7, wiremessage.SecondaryOK, "db", "col", 2, 10, query, nil)
	require.NoError(t, err)

	length, requestID, responseTo, opcode, body, ok := wiremessage.ReadHeader(frame)
	require.True(t, ok)
	assert.Equal(t, int32(len(frame)), length)
	assert.Equal(t, int32(7), requestID)
	assert.Equal(t, int32(0), responseTo)
	assert.Equal(t, wiremessage.OpQuery, opcode)

	flags, body, ok := wiremessage.ReadQueryFlags(body)
	require.True(t, ok)
	assert.Equal(t, wiremessage.SecondaryOK, flags)

	ns, body, ok := wiremessage.ReadQueryFullCollectionName(body)
	require.True(t, ok)
	assert.Equal(t, "db.col", ns)

	skip, body, ok := wiremessage.ReadQueryNumberToSkip(body)
	require.True(t, ok)
	assert.Equal(t, int32(2), skip)

	nret, body, ok := wiremessage.ReadQueryNumberToReturn(body)
	require.True(t, ok)
	assert.Equal(t, int32(10), nret)

	doc, body, ok := wiremessage.ReadQueryQuery(body)
	require.True(t, ok)
	assert.Equal(t, query, doc)
	assert.Empty(t, body)
}

func TestAppendQuerySelector(t *testing.T) {
	query := testDoc(t, "a", 1)
	selector := testDoc(t, "b", 1)

	frame, err := AppendQuery(nil, 1, 0, "db", "col", 0, -1, query, selector)
	require.NoError(t, err)

	_, _, _, _, body, ok := wiremessage.ReadHeader(frame)
	require.True(t, ok)
	_, body, _ = wiremessage.ReadQueryFlags(body)
	_, body, _ = wiremessage.ReadQueryFullCollectionName(body)
	_, body, _ = wiremessage.ReadQueryNumberToSkip(body)
	_, body, _ = wiremessage.ReadQueryNumberToReturn(body)
	_, body, ok = wiremessage.ReadQueryQuery(body)
	require.True(t, ok)

	got, _, ok := wiremessage.ReadQueryReturnFieldsSelector(body)
	require.True(t, ok)
	assert.Equal(t, selector, got)
}

func TestAppendQueryValidation(t *testing.T) {
	query := testDoc(t, "a", 1)

	_, err := AppendQuery(nil, 1, 0, "", "col", 0, 0, query, nil)
	assert.ErrorIs(t, err, ErrBadNamespace)

	_, err = AppendQuery(nil, 1, 0, "db", "", 0, 0, query, nil)
	assert.ErrorIs(t, err, ErrBadNamespace)

	_, err = AppendQuery(nil, 1, 0, "d.b", "col", 0, 0, query, nil)
	assert.ErrorIs(t, err, ErrBadNamespace)

	_, err = AppendQuery(nil, 1, 0, "db", "col", 0, 0, nil, nil)
	assert.ErrorIs(t, err, ErrNoDocuments)

	// A failed append leaves dst untouched.
	dst := []byte{1, 2, 3}
	out, err := AppendQuery(dst, 1, 0, "", "col", 0, 0, query, nil)
	assert.Error(t, err)
	assert.Equal(t, dst, out)
}

func TestAppendInsert(t *testing.T) {
	d1 := testDoc(t, "a", 1)
	d2 := testDoc(t, "b", 2)

	frame, err := AppendInsert(nil, 3, 0, "db", "col", []bsoncore.Document{d1, d2})
	require.NoError(t, err)

	length, _, _, opcode, body, ok := wiremessage.ReadHeader(frame)
	require.True(t, ok)
	assert.Equal(t, int32(len(frame)), length)
	assert.Equal(t, wiremessage.OpInsert, opcode)

	var flags uint32
	var ns string
	offset := UnpackFrom(body, 0, "<iS", &flags, &ns)
	require.NotEqual(t, -1, offset)
	assert.Equal(t, uint32(0), flags)
	assert.Equal(t, "db.col", ns)
	assert.Equal(t, append(append(bsoncore.Document{}, d1...), d2...), bsoncore.Document(body[offset:]))

	_, err = AppendInsert(nil, 4, 0, "db", "col", nil)
	assert.ErrorIs(t, err, ErrNoDocuments)
}

func TestAppendUpdateDelete(t *testing.T) {
	selector := testDoc(t, "a", 1)
	update := testDoc(t, "b", 2)

	frame, err := AppendUpdate(nil, 5, "db", "col", 1, selector, update)
	require.NoError(t, err)
	_, _, _, opcode, body, ok := wiremessage.ReadHeader(frame)
	require.True(t, ok)
	assert.Equal(t, wiremessage.OpUpdate, opcode)

	var zero uint32
	var ns string
	var flags uint32
	offset := UnpackFrom(body, 0, "<iSi", &zero, &ns, &flags)
	require.NotEqual(t, -1, offset)
	assert.Equal(t, uint32(0), zero)
	assert.Equal(t, "db.col", ns)
	assert.Equal(t, uint32(1), flags)

	doc, rest, ok := bsoncore.ReadDocument(body[offset:])
	require.True(t, ok)
	assert.Equal(t, selector, doc)
	doc, _, ok = bsoncore.ReadDocument(rest)
	require.True(t, ok)
	assert.Equal(t, update, doc)

	frame, err = AppendDelete(nil, 6, "db", "col", 1, selector)
	require.NoError(t, err)
	_, _, _, opcode, _, ok = wiremessage.ReadHeader(frame)
	require.True(t, ok)
	assert.Equal(t, wiremessage.OpDelete, opcode)
}

func TestAppendKillCursors(t *testing.T) {
	frame, err := AppendKillCursors(nil, 8, []int64{42, 43})
	require.NoError(t, err)

	_, _, _, opcode, body, ok := wiremessage.ReadHeader(frame)
	require.True(t, ok)
	assert.Equal(t, wiremessage.OpKillCursors, opcode)

	_, body, ok = wiremessage.ReadKillCursorsZero(body)
	require.True(t, ok)
	numIDs, body, ok := wiremessage.ReadKillCursorsNumberIDs(body)
	require.True(t, ok)
	require.Equal(t, int32(2), numIDs)
	ids, _, ok := wiremessage.ReadKillCursorsCursorIDs(body, numIDs)
	require.True(t, ok)
	assert.Equal(t, []int64{42, 43}, ids)

	_, err = AppendKillCursors(nil, 9, nil)
	assert.ErrorIs(t, err, ErrNoDocuments)
}

func TestAppendGetMore(t *testing.T) {
	frame, err := AppendGetMore(nil, 10, "db", "col", 50, 4242)
	require.NoError(t, err)

	_, _, _, opcode, body, ok := wiremessage.ReadHeader(frame)
	require.True(t, ok)
	assert.Equal(t, wiremessage.OpGetMore, opcode)

	var zero uint32
	var ns string
	var nret uint32
	var cursorID uint64
	offset := UnpackFrom(body, 0, "<iSiq", &zero, &ns, &nret, &cursorID)
	require.Equal(t, len(body), offset)
	assert.Equal(t, uint32(0), zero)
	assert.Equal(t, "db.col", ns)
	assert.Equal(t, uint32(50), nret)
	assert.Equal(t, uint64(4242), cursorID)
}

func TestAppendGetLastError(t *testing.T) {
	frame, err := AppendGetLastError(nil, 11, "db")
	require.NoError(t, err)

	_, _, _, opcode, body, ok := wiremessage.ReadHeader(frame)
	require.True(t, ok)
	assert.Equal(t, wiremessage.OpQuery, opcode)

	_, body, _ = wiremessage.ReadQueryFlags(body)
	ns, body, ok := wiremessage.ReadQueryFullCollectionName(body)
	require.True(t, ok)
	assert.Equal(t, "db.$cmd", ns)
	_, body, _ = wiremessage.ReadQueryNumberToSkip(body)
	nret, body, ok := wiremessage.ReadQueryNumberToReturn(body)
	require.True(t, ok)
	assert.Equal(t, int32(-1), nret)

	doc, _, ok := wiremessage.ReadQueryQuery(body)
	require.True(t, ok)
	val, err := doc.LookupErr("getLastError")
	require.NoError(t, err)
	got, ok := val.Int32OK()
	require.True(t, ok)
	assert.Equal(t, int32(1), got)

	// Cursor-level commands have no database of their own.
	frame, err = AppendGetLastError(nil, 12, "")
	require.NoError(t, err)
	_, _, _, _, body, _ = wiremessage.ReadHeader(frame)
	_, body, _ = wiremessage.ReadQueryFlags(body)
	ns, _, ok = wiremessage.ReadQueryFullCollectionName(body)
	require.True(t, ok)
	assert.Equal(t, "admin.$cmd", ns)
}
