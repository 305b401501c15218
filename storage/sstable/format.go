package sstable

import (
	"io"

	"github.com/pkg/errors"

	"github.com/navijation/vsst/storage/datablock"
	"github.com/navijation/vsst/util"
)

const (
	// Magic opens every .vsst file.
	Magic = "VSSF"

	Version uint8 = 1

	MagicSize    = 4
	VersionSize  = 1
	SequenceSize = 8
	HeaderSize   = MagicSize + VersionSize + SequenceSize

	IndexKeyLenSize = 2
	IndexOffsetSize = 8

	// FooterSize is the trailing little-endian size of the index block.
	FooterSize = 4

	// MaxFileSize bounds any single SST file.
	MaxFileSize = 2*1024*1024*1024 - 1

	FileExtension = ".vsst"
)

// ErrCorrupted aliases the block-level corruption sentinel so callers can
// test either package's errors uniformly.
var ErrCorrupted = datablock.ErrCorrupted

// Header is the fixed-size leading region of an SST file.
type Header struct {
	SeqNum uint64
}

func (me *Header) WriteTo(writer io.Writer) (n int64, _ error) {
	dn, err := io.WriteString(writer, Magic)
	n += int64(dn)
	if err != nil {
		return n, err
	}

	dn, err = writer.Write([]byte{Version})
	n += int64(dn)
	if err != nil {
		return n, err
	}

	dn, err = util.WriteUint64(writer, me.SeqNum)
	return n + int64(dn), err
}

func (me *Header) ReadFrom(reader io.Reader) (n int64, _ error) {
	var buf [HeaderSize]byte
	dn, err := io.ReadAtLeast(reader, buf[:], len(buf))
	n += int64(dn)
	if err != nil {
		return n, err
	}

	if string(buf[:MagicSize]) != Magic {
		return n, errors.Wrapf(ErrCorrupted, "bad SST signature %q", buf[:MagicSize])
	}
	if buf[MagicSize] != Version {
		return n, errors.Wrapf(ErrCorrupted, "unsupported SST version %d", buf[MagicSize])
	}
	me.SeqNum = util.Uint64At(buf[MagicSize+VersionSize:])
	return n, nil
}
