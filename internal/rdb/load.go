package rdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"kvstream/internal/store"
)

// Entry is one decoded (key, value, expiry) triple, returned by Load for the
// caller to install via store.Store.LoadString.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt *time.Time
}

// Load reads path and returns its string entries. A missing file is not an
// error -- startup with no prior snapshot is the common case -- and yields a
// nil slice.
func Load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rdb: open: %w", err)
	}
	defer f.Close()

	return decode(bufio.NewReader(f))
}

// DecodeBytes parses an already-received snapshot payload, e.g. the frame a
// replica reads via conn.ReadRDBPayload immediately after FULLRESYNC.
func DecodeBytes(payload []byte) ([]Entry, error) {
	return decode(bufio.NewReader(bytes.NewReader(payload)))
}

// Encode renders snapshot into the same bytes Save writes to a file, for use
// as the in-frame payload a master sends after FULLRESYNC (spec §4.4: "same
// bytes as the in-frame payload ... no $<len>\r\n wrapper").
func Encode(snapshot map[string]store.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, snapshot); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(r *bufio.Reader) ([]Entry, error) {
	magic := make([]byte, 5)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("rdb: read magic: %w", err)
	}
	if string(magic) != magicString {
		return nil, errors.New("rdb: bad magic string")
	}

	ver := make([]byte, 4)
	if _, err := io.ReadFull(r, ver); err != nil {
		return nil, fmt.Errorf("rdb: read version: %w", err)
	}

	hasher := crc64New()
	hasher.Write(magic)
	hasher.Write(ver)

	var entries []Entry
	var pendingExpiry *time.Time

	for {
		typeByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("rdb: read type byte: %w", err)
		}
		hasher.Write([]byte{typeByte})

		switch typeByte {
		case opAux:
			if _, _, err := readString(r, hasher); err != nil {
				return nil, fmt.Errorf("rdb: read aux key: %w", err)
			}
			if _, _, err := readString(r, hasher); err != nil {
				return nil, fmt.Errorf("rdb: read aux value: %w", err)
			}

		case opSelectDB:
			b, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("rdb: read selectdb: %w", err)
			}
			hasher.Write([]byte{b})

		case opResizeDB:
			if _, _, err := readLength(r, hasher); err != nil {
				return nil, fmt.Errorf("rdb: read resizedb size: %w", err)
			}
			if _, _, err := readLength(r, hasher); err != nil {
				return nil, fmt.Errorf("rdb: read resizedb expires: %w", err)
			}

		case opExpireSec:
			var sec uint32
			if err := readBinary(r, hasher, binary.LittleEndian, &sec); err != nil {
				return nil, fmt.Errorf("rdb: read expire seconds: %w", err)
			}
			t := time.Unix(int64(sec), 0)
			pendingExpiry = &t

		case opExpireMs:
			var ms uint64
			if err := readBinary(r, hasher, binary.LittleEndian, &ms); err != nil {
				return nil, fmt.Errorf("rdb: read expire ms: %w", err)
			}
			t := time.UnixMilli(int64(ms))
			pendingExpiry = &t

		case typeString:
			key, _, err := readString(r, hasher)
			if err != nil {
				return nil, fmt.Errorf("rdb: read key: %w", err)
			}
			value, _, err := readString(r, hasher)
			if err != nil {
				return nil, fmt.Errorf("rdb: read value for key %s: %w", key, err)
			}
			entries = append(entries, Entry{Key: key, Value: []byte(value), ExpiresAt: pendingExpiry})
			pendingExpiry = nil

		case opEOF:
			var stored uint64
			if err := binary.Read(r, binary.LittleEndian, &stored); err != nil {
				return nil, fmt.Errorf("rdb: read checksum: %w", err)
			}
			if got := hasher.Sum64(); got != stored {
				return nil, fmt.Errorf("rdb: checksum mismatch: file has %d, computed %d", stored, got)
			}
			return entries, nil

		default:
			return nil, fmt.Errorf("rdb: unknown opcode %d", typeByte)
		}
	}
}

// LoadInto decodes path and installs every entry into s via LoadString,
// skipping keys whose expiry is already in the past (spec §4.4: a snapshot
// may carry stale expired keys; the loader filters them rather than relying
// on the store's lazy-expiry path to hide them forever).
func LoadInto(path string, s *store.Store) (int, error) {
	entries, err := Load(path)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	loaded := 0
	for _, e := range entries {
		if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
			continue
		}
		s.LoadString(e.Key, store.Entry{Value: e.Value, ExpiresAt: e.ExpiresAt})
		loaded++
	}
	return loaded, nil
}
