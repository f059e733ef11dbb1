package rdb

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc64"
	"io"
)

func crc64New() hash.Hash64 { return crc64.New(checksumTable) }

// readLength decodes a size using the same three forms writeLength produces.
// It writes the raw encoded bytes into hasher itself (the checksum covers
// encoded bytes, not decoded values) and also returns them.
func readLength(r io.ByteReader, hasher hash.Hash64) (uint32, []byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	switch (first & 0xC0) >> 6 {
	case 0:
		hasher.Write([]byte{first})
		return uint32(first & 0x3F), []byte{first}, nil

	case 1:
		second, err := r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		hasher.Write([]byte{first, second})
		return uint32(first&0x3F)<<8 | uint32(second), []byte{first, second}, nil

	case 2:
		buf := make([]byte, 4)
		for i := range buf {
			b, err := r.ReadByte()
			if err != nil {
				return 0, nil, err
			}
			buf[i] = b
		}
		hasher.Write([]byte{first})
		hasher.Write(buf)
		return binary.BigEndian.Uint32(buf), append([]byte{first}, buf...), nil

	default:
		return 0, nil, fmt.Errorf("rdb: unsupported length encoding form %d", (first&0xC0)>>6)
	}
}

// readString reads a length-prefixed string; the hasher already observes the
// length bytes via readLength, so only the payload is written here.
func readString(r interface {
	io.ByteReader
	io.Reader
}, hasher hash.Hash64) (string, []byte, error) {
	length, _, err := readLength(r, hasher)
	if err != nil {
		return "", nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", nil, err
	}
	hasher.Write(data)
	return string(data), data, nil
}

// readBinary reads a fixed-size binary value into v and feeds the raw bytes
// read into hasher.
func readBinary(r io.Reader, hasher hash.Hash64, order binary.ByteOrder, v interface{}) error {
	var size int
	switch v.(type) {
	case *uint32:
		size = 4
	case *uint64:
		size = 8
	default:
		return fmt.Errorf("rdb: unsupported readBinary target %T", v)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	hasher.Write(buf)

	switch p := v.(type) {
	case *uint32:
		*p = order.Uint32(buf)
	case *uint64:
		*p = order.Uint64(buf)
	}
	return nil
}
