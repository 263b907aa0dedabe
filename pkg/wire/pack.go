// Package wire implements the legacy MongoDB wire protocol: a struct-style
// byte-pack codec, request frame builders and an incremental OP_REPLY reader.
package wire

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// byteOrder joins the read and append halves of the binary endianness
// helpers; both binary.LittleEndian and binary.BigEndian satisfy it.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// nativeOrder is the byte order of the host, resolved once at startup.
var nativeOrder byteOrder = func() byteOrder {
	x := uint16(1)
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// AppendPack appends the packed arguments to dst according to format and
// returns the extended slice. The format is a sequence of directives, each
// optionally preceded by an endianness selector:
//
//	=        native byte order
//	<        little endian
//	>  !     big endian
//
// followed by a data code:
//
//	b B      unsigned byte
//	h H      unsigned 16-bit
//	i I      unsigned 32-bit
//	q Q      unsigned 64-bit
//	s        string, terminator not written
//	S        string, NUL terminator written
//	m M      raw bytes, length taken from the []byte argument
//
// A selector is sticky: it applies to every numeric code that follows until
// another selector appears. An unknown code panics; the format string is
// under programmer control.
func AppendPack(dst []byte, format string, args ...interface{}) []byte {
	order := nativeOrder
	ai := 0
	next := func() interface{} {
		if ai >= len(args) {
			panic(fmt.Sprintf("wire: pack %q: missing argument %d", format, ai))
		}
		v := args[ai]
		ai++
		return v
	}
	for i := 0; i < len(format); i++ {
		switch format[i] {
		case '=':
			order = nativeOrder
			continue
		case '<':
			order = binary.LittleEndian
			continue
		case '>', '!':
			order = binary.BigEndian
			continue
		}
		switch format[i] {
		case 'b', 'B':
			dst = append(dst, byte(asUint64(next())))
		case 'h', 'H':
			dst = order.AppendUint16(dst, uint16(asUint64(next())))
		case 'i', 'I':
			dst = order.AppendUint32(dst, uint32(asUint64(next())))
		case 'q', 'Q':
			dst = order.AppendUint64(dst, asUint64(next()))
		case 's':
			dst = append(dst, asString(next())...)
		case 'S':
			dst = append(dst, asString(next())...)
			dst = append(dst, 0x00)
		case 'm', 'M':
			dst = append(dst, asBytes(next())...)
		default:
			panic(fmt.Sprintf("wire: pack %q: unknown directive %q", format, format[i]))
		}
	}
	return dst
}

// PackTo packs the arguments into buf starting at offset, never growing the
// buffer. It returns the new offset measured from the start of buf, or -1
// when any directive would exceed the remaining capacity.
func PackTo(buf []byte, offset int, format string, args ...interface{}) int {
	if offset < 0 || offset > len(buf) {
		return -1
	}
	order := nativeOrder
	ai := 0
	next := func() interface{} {
		if ai >= len(args) {
			panic(fmt.Sprintf("wire: pack %q: missing argument %d", format, ai))
		}
		v := args[ai]
		ai++
		return v
	}
	ptr := offset
	put := func(p []byte) bool {
		if len(buf)-ptr < len(p) {
			return false
		}
		copy(buf[ptr:], p)
		ptr += len(p)
		return true
	}
	var scratch [8]byte
	for i := 0; i < len(format); i++ {
		switch format[i] {
		case '=':
			order = nativeOrder
			continue
		case '<':
			order = binary.LittleEndian
			continue
		case '>', '!':
			order = binary.BigEndian
			continue
		}
		ok := false
		switch format[i] {
		case 'b', 'B':
			scratch[0] = byte(asUint64(next()))
			ok = put(scratch[:1])
		case 'h', 'H':
			order.PutUint16(scratch[:2], uint16(asUint64(next())))
			ok = put(scratch[:2])
		case 'i', 'I':
			order.PutUint32(scratch[:4], uint32(asUint64(next())))
			ok = put(scratch[:4])
		case 'q', 'Q':
			order.PutUint64(scratch[:8], asUint64(next()))
			ok = put(scratch[:8])
		case 's':
			ok = put([]byte(asString(next())))
		case 'S':
			ok = put(append([]byte(asString(next())), 0x00))
		case 'm', 'M':
			ok = put(asBytes(next()))
		default:
			panic(fmt.Sprintf("wire: pack %q: unknown directive %q", format, format[i]))
		}
		if !ok {
			return -1
		}
	}
	return ptr
}

// UnpackFrom decodes buf starting at offset into the pointer arguments and
// returns the new offset, or -1 when the buffer is exhausted before the
// format is. Numeric codes take *uint8/*uint16/*uint32/*uint64, s and S take
// *string, m and M take *[]byte followed by an int length argument. The slice
// stored through an m pointer aliases buf; M stores an owned copy.
func UnpackFrom(buf []byte, offset int, format string, args ...interface{}) int {
	if offset < 0 || offset > len(buf) {
		return -1
	}
	order := nativeOrder
	ai := 0
	next := func() interface{} {
		if ai >= len(args) {
			panic(fmt.Sprintf("wire: unpack %q: missing argument %d", format, ai))
		}
		v := args[ai]
		ai++
		return v
	}
	ptr := offset
	remain := func() int { return len(buf) - ptr }
	for i := 0; i < len(format); i++ {
		switch format[i] {
		case '=':
			order = nativeOrder
			continue
		case '<':
			order = binary.LittleEndian
			continue
		case '>', '!':
			order = binary.BigEndian
			continue
		}
		switch format[i] {
		case 'b', 'B':
			if remain() < 1 {
				return -1
			}
			*next().(*uint8) = buf[ptr]
			ptr++
		case 'h', 'H':
			if remain() < 2 {
				return -1
			}
			*next().(*uint16) = order.Uint16(buf[ptr:])
			ptr += 2
		case 'i', 'I':
			if remain() < 4 {
				return -1
			}
			*next().(*uint32) = order.Uint32(buf[ptr:])
			ptr += 4
		case 'q', 'Q':
			if remain() < 8 {
				return -1
			}
			*next().(*uint64) = order.Uint64(buf[ptr:])
			ptr += 8
		case 's', 'S':
			end := ptr
			for end < len(buf) && buf[end] != 0x00 {
				end++
			}
			if end == len(buf) {
				return -1
			}
			*next().(*string) = string(buf[ptr:end])
			ptr = end + 1
		case 'm', 'M':
			out := next().(*[]byte)
			n, okInt := next().(int)
			if !okInt || n < 0 {
				panic(fmt.Sprintf("wire: unpack %q: m/M needs a non-negative int length", format))
			}
			if remain() < n {
				return -1
			}
			if n == 0 {
				break
			}
			if format[i] == 'm' {
				*out = buf[ptr : ptr+n]
			} else {
				owned := make([]byte, n)
				copy(owned, buf[ptr:ptr+n])
				*out = owned
			}
			ptr += n
		default:
			panic(fmt.Sprintf("wire: unpack %q: unknown directive %q", format, format[i]))
		}
	}
	return ptr
}

func asUint64(v interface{}) uint64 {
	switch n := v.(type) {
	case int:
		return uint64(n)
	case int8:
		return uint64(n)
	case int16:
		return uint64(n)
	case int32:
		return uint64(n)
	case int64:
		return uint64(n)
	case uint:
		return uint64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	default:
		panic(fmt.Sprintf("wire: pack: numeric directive got %T", v))
	}
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		panic(fmt.Sprintf("wire: pack: string directive got %T", v))
	}
}

func asBytes(v interface{}) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		panic(fmt.Sprintf("wire: pack: raw directive got %T", v))
	}
}
