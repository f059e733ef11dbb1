// Package rdb implements the snapshot codec (spec component C4): a binary,
// checksummed encoding of the string subset of a store.Store, loaded at
// startup and produced on demand.
//
// Grounded on the teacher's internal/rdb/rdb.go and reader.go (CRC64-ECMA
// running checksum over a MultiWriter, variable-length size encoding,
// REDIS-magic + 4-digit version header, 0xFA aux / 0xFE selectdb / 0xFB
// resizedb / 0xFF eof opcodes), narrowed to the string-only subset this core
// declares support for (spec §4.4: "this core need not support every Value
// type, only plain string entries").
package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"io"
	"os"
	"time"

	"kvstream/internal/store"
)

const (
	magicString = "REDIS"
	version     = 11

	opAux        = 0xFA
	opResizeDB   = 0xFB
	opExpireMs   = 0xFC
	opExpireSec  = 0xFD
	opSelectDB   = 0xFE
	opEOF        = 0xFF
	typeString   = 0
)

var checksumTable = crc64.MakeTable(crc64.ECMA)

// Save atomically writes snapshot as an RDB file at path: write to path+".tmp",
// fsync, then rename over path. Mirrors the teacher's Writer.Save.
func Save(path string, snapshot map[string]store.Entry) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("rdb: create temp file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if err := encodeTo(bw, snapshot); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rdb: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rdb: sync: %w", err)
	}
	f.Close()

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rdb: rename into place: %w", err)
	}
	return nil
}

// encodeTo writes the full checksummed payload (header through the trailing
// CRC64) to w. Shared by Save (file destination) and Encode (in-memory
// destination for the replication snapshot frame).
func encodeTo(w io.Writer, snapshot map[string]store.Entry) error {
	hasher := crc64.New(checksumTable)
	mw := io.MultiWriter(w, hasher)

	if err := writeHeader(mw); err != nil {
		return err
	}
	mw.Write([]byte{opSelectDB, 0})
	mw.Write([]byte{opResizeDB})
	writeLength(mw, len(snapshot))
	writeLength(mw, countWithExpiry(snapshot))

	for key, entry := range snapshot {
		writeEntry(mw, key, entry)
	}
	mw.Write([]byte{opEOF})

	return binary.Write(w, binary.LittleEndian, hasher.Sum64())
}

// EmptySnapshot is the canonical empty RDB payload used to answer PSYNC
// against a master with no prior writes: magic, version, immediate EOF, and
// the CRC64 of that fixed body. The body carries no aux fields (no ctime),
// so the checksum is as reproducible as the teacher's hand-built
// generateEmptyRDB constant while still passing decode's verification --
// the all-zero trailer the teacher literal uses only works there because
// the teacher's reader never checks it.
func EmptySnapshot() []byte {
	body := []byte(magicString + fmt.Sprintf("%04d", 9))
	hasher := crc64.New(checksumTable)
	hasher.Write(body)
	hasher.Write([]byte{opEOF})

	buf := make([]byte, 0, len(body)+1+8)
	buf = append(buf, body...)
	buf = append(buf, opEOF)
	sum := make([]byte, 8)
	binary.LittleEndian.PutUint64(sum, hasher.Sum64())
	buf = append(buf, sum...)
	return buf
}

func countWithExpiry(snapshot map[string]store.Entry) int {
	n := 0
	for _, e := range snapshot {
		if e.ExpiresAt != nil {
			n++
		}
	}
	return n
}

func writeHeader(w io.Writer) error {
	if _, err := w.Write([]byte(magicString)); err != nil {
		return err
	}
	if _, err := w.Write([]byte(fmt.Sprintf("%04d", version))); err != nil {
		return err
	}
	writeAux(w, "redis-ver", "7.0.0")
	writeAux(w, "ctime", fmt.Sprintf("%d", time.Now().Unix()))
	return nil
}

func writeAux(w io.Writer, key, value string) {
	w.Write([]byte{opAux})
	writeString(w, key)
	writeString(w, value)
}

func writeEntry(w io.Writer, key string, e store.Entry) {
	if e.ExpiresAt != nil {
		w.Write([]byte{opExpireMs})
		binary.Write(w, binary.LittleEndian, uint64(e.ExpiresAt.UnixMilli()))
	}
	w.Write([]byte{typeString})
	writeString(w, key)
	writeString(w, string(e.Value))
}

func writeString(w io.Writer, s string) {
	writeLength(w, len(s))
	w.Write([]byte(s))
}

// writeLength encodes a non-negative size using the three forms the teacher
// supports on read: 6-bit, 14-bit, or a 0x80-tagged 32-bit big-endian value.
// Larger extensions (e.g. the original format's 0x81 64-bit form) are not
// needed by this core's string-only subset and are left as an extension
// point rather than implemented speculatively.
func writeLength(w io.Writer, length int) {
	switch {
	case length < 64:
		w.Write([]byte{byte(length)})
	case length < 16384:
		w.Write([]byte{byte(0x40 | (length >> 8)), byte(length & 0xFF)})
	default:
		w.Write([]byte{0x80})
		binary.Write(w, binary.BigEndian, uint32(length))
	}
}
