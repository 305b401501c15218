package util

import (
	"encoding/binary"
	"io"
)

type Word16 [2]byte

func (me Word16) Uint16() uint16 {
	return binary.LittleEndian.Uint16(me[:])
}

func (me Word16) FromUint16(v uint16) Word16 {
	binary.LittleEndian.PutUint16(me[:], v)
	return me
}

type Word32 [4]byte

func (me Word32) Uint32() uint32 {
	return binary.LittleEndian.Uint32(me[:])
}

func (me Word32) FromUint32(v uint32) Word32 {
	binary.LittleEndian.PutUint32(me[:], v)
	return me
}

type Word64 [8]byte

func (me Word64) Uint64() uint64 {
	return binary.LittleEndian.Uint64(me[:])
}

func (me Word64) FromUint64(v uint64) Word64 {
	binary.LittleEndian.PutUint64(me[:], v)
	return me
}

func ReadUint16(reader io.Reader) (value uint16, n int, _ error) {
	var word Word16
	n, err := io.ReadAtLeast(reader, word[:], len(word))
	if err != nil {
		return 0, n, err
	}
	return word.Uint16(), n, nil
}

func ReadUint32(reader io.Reader) (value uint32, n int, _ error) {
	var word Word32
	n, err := io.ReadAtLeast(reader, word[:], len(word))
	if err != nil {
		return 0, n, err
	}
	return word.Uint32(), n, nil
}

func ReadUint64(reader io.Reader) (value uint64, n int, _ error) {
	var word Word64
	n, err := io.ReadAtLeast(reader, word[:], len(word))
	if err != nil {
		return 0, n, err
	}
	return word.Uint64(), n, nil
}

func WriteUint16(writer io.Writer, v uint16) (n int, _ error) {
	word := Word16{}.FromUint16(v)
	return writer.Write(word[:])
}

func WriteUint32(writer io.Writer, v uint32) (n int, _ error) {
	word := Word32{}.FromUint32(v)
	return writer.Write(word[:])
}

func WriteUint64(writer io.Writer, v uint64) (n int, _ error) {
	word := Word64{}.FromUint64(v)
	return writer.Write(word[:])
}

// AppendUint16 appends v to buf in little-endian order.
func AppendUint16(buf []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, v)
}

// AppendUint32 appends v to buf in little-endian order.
func AppendUint32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

// AppendUint64 appends v to buf in little-endian order.
func AppendUint64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

func Uint16At(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

func Uint32At(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

func Uint64At(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

func Ptr[T any](v T) *T {
	return &v
}
