package entry

import (
	"fmt"

	"github.com/navijation/vsst/util"
)

const (
	// ValueLenSize is the size of the length prefix carried by blob-like
	// values.
	ValueLenSize = 4
)

func scalarWidth(typ Type) int {
	switch typ {
	case TypeUint8, TypeInt8:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// PayloadSize returns the number of bytes AppendPayload produces: the fixed
// width for scalars, length prefix plus bytes for blob-like values, zero for
// a tombstone.
func (me Value) PayloadSize() int {
	if me.typ.IsBlobLike() {
		return ValueLenSize + len(me.blob)
	}
	return scalarWidth(me.typ)
}

// AppendPayload appends the little-endian value bytes to buf. Tombstones
// contribute nothing.
func (me Value) AppendPayload(buf []byte) []byte {
	switch {
	case me.typ == TypeRemoved:
		return buf
	case me.typ.IsBlobLike():
		buf = util.AppendUint32(buf, uint32(len(me.blob)))
		return append(buf, me.blob...)
	}
	switch scalarWidth(me.typ) {
	case 1:
		return append(buf, byte(me.bits))
	case 2:
		return util.AppendUint16(buf, uint16(me.bits))
	case 4:
		return util.AppendUint32(buf, uint32(me.bits))
	default:
		return util.AppendUint64(buf, me.bits)
	}
}

// DecodePayload reconstructs a value of the given type from buf. For
// blob-like types buf must start at the length prefix. The number of bytes
// consumed is returned so callers can bounds-check trailing data themselves.
func DecodePayload(typ Type, buf []byte) (out Value, n int, _ error) {
	if typ == TypeRemoved {
		return Removed(), 0, nil
	}
	if !typ.IsValid() {
		return out, 0, fmt.Errorf("unknown value type tag 0x%02x", uint8(typ))
	}
	if typ.IsBlobLike() {
		if len(buf) < ValueLenSize {
			return out, 0, fmt.Errorf("value length prefix truncated")
		}
		valueLen := util.Uint32At(buf)
		if valueLen == 0 {
			return out, 0, fmt.Errorf("zero-length %s value", typ)
		}
		if uint64(valueLen) > uint64(len(buf)-ValueLenSize) {
			return out, 0, fmt.Errorf("value length %d exceeds available %d bytes", valueLen, len(buf)-ValueLenSize)
		}
		blob := make([]byte, valueLen)
		copy(blob, buf[ValueLenSize:ValueLenSize+int(valueLen)])
		return Value{typ: typ, blob: blob}, ValueLenSize + int(valueLen), nil
	}

	width := scalarWidth(typ)
	if len(buf) < width {
		return out, 0, fmt.Errorf("%s value truncated: %d of %d bytes", typ, len(buf), width)
	}
	var bits uint64
	switch width {
	case 1:
		bits = uint64(buf[0])
	case 2:
		bits = uint64(util.Uint16At(buf))
	case 4:
		bits = uint64(util.Uint32At(buf))
	default:
		bits = util.Uint64At(buf)
	}
	return Value{typ: typ, bits: bits}, width, nil
}
