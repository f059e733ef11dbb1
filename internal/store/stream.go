package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// StreamID is the pair (ms, seq) ordered lexicographically (spec §3).
type StreamID struct {
	Ms  uint64
	Seq uint64
}

func (id StreamID) String() string { return fmt.Sprintf("%d-%d", id.Ms, id.Seq) }

func (id StreamID) isZero() bool { return id.Ms == 0 && id.Seq == 0 }

// Compare returns -1, 0, or 1 per the usual ordering convention.
func (id StreamID) Compare(other StreamID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// FieldValue is one (field, value) text pair inside a stream entry.
type FieldValue struct {
	Field string
	Value string
}

// StreamEntry is one (StreamId, StreamData) pair in a Stream.
type StreamEntry struct {
	ID     StreamID
	Fields []FieldValue
}

// Stream is an append-only sequence, strictly increasing by StreamID.
type Stream struct {
	Entries []StreamEntry
}

func (s *Stream) lastID() (StreamID, bool) {
	if len(s.Entries) == 0 {
		return StreamID{}, false
	}
	return s.Entries[len(s.Entries)-1].ID, true
}

// ErrStreamIDTooSmall and ErrStreamIDZero are the two XADD validation
// failures named in spec §4.3.
var (
	ErrStreamIDTooSmall = errors.New("ERR The ID specified in XADD is equal or smaller than the target stream top item")
	ErrStreamIDZero     = errors.New("ERR The ID specified in XADD must be greater than 0-0")
)

// resolveStreamID is the pure function spec §9 asks for: given the current
// wall-clock millis, the stream's last ID (if any), and a pattern of the
// form "<ms>-<seq>" where either field may be "*", produce the concrete ID
// XADD will use. No store access, so it is directly unit-testable.
func resolveStreamID(nowMs uint64, last StreamID, hasLast bool, pattern string) (StreamID, error) {
	msPart, seqPart, ok := strings.Cut(pattern, "-")
	if !ok {
		// A bare "<ms>" with no "-seq" is only valid for the "*" wildcard
		// id as a whole; otherwise treat the whole pattern as an ms with
		// seq defaulting to "*".
		msPart = pattern
		seqPart = "*"
	}

	var ms uint64
	if msPart == "*" {
		ms = nowMs
	} else {
		parsed, err := strconv.ParseUint(msPart, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
		}
		ms = parsed
	}

	var seq uint64
	if seqPart == "*" {
		if hasLast && last.Ms == ms {
			seq = last.Seq + 1
		} else if ms == 0 {
			seq = 1
		} else {
			seq = 0
		}
	} else {
		parsed, err := strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
		}
		seq = parsed
	}

	id := StreamID{Ms: ms, Seq: seq}
	if id.isZero() {
		return StreamID{}, ErrStreamIDZero
	}
	if hasLast && id.Compare(last) <= 0 {
		return StreamID{}, ErrStreamIDTooSmall
	}
	return id, nil
}

// XAdd resolves pattern against the stream at key (creating an empty stream
// if absent), validates it, appends, and returns the concrete ID.
func (s *Store) XAdd(key string, pattern string, fields []FieldValue) (StreamID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if ok && item.kind != kindStream {
		return StreamID{}, ErrWrongType
	}

	var stream *Stream
	if ok {
		stream = item.stream
	} else {
		stream = &Stream{}
	}

	last, hasLast := stream.lastID()
	id, err := resolveStreamID(s.clock.NowMillis(), last, hasLast, pattern)
	if err != nil {
		return StreamID{}, err
	}

	stream.Entries = append(stream.Entries, StreamEntry{ID: id, Fields: fields})
	s.items[key] = storeItem{kind: kindStream, stream: stream}
	s.touch()
	return id, nil
}

// parseBound parses an XRANGE endpoint. "-" means open-low, "+" open-high.
// A value with no explicit seq defaults to 0 for the low bound and to the
// stream's maximum seq for that ms for the high bound (spec §4.3).
func parseBound(spec string, isLow bool, stream *Stream) (StreamID, bool, error) {
	if spec == "-" {
		return StreamID{}, true, nil // openLow
	}
	if spec == "+" {
		return StreamID{}, true, nil // openHigh; caller distinguishes via isLow
	}

	msPart, seqPart, hasSeq := strings.Cut(spec, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, false, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
	}

	if hasSeq {
		seq, err := strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return StreamID{}, false, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
		}
		return StreamID{Ms: ms, Seq: seq}, false, nil
	}

	if isLow {
		return StreamID{Ms: ms, Seq: 0}, false, nil
	}

	// High bound with no explicit seq: the largest possible seq at this ms,
	// so every entry the stream holds at this ms is inside the range.
	return StreamID{Ms: ms, Seq: ^uint64(0)}, false, nil
}

// XRange returns the inclusive, ordered slice of entries between lo and hi.
func (s *Store) XRange(key string, loSpec, hiSpec string) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	if item.kind != kindStream {
		return nil, ErrWrongType
	}
	stream := item.stream

	lo, openLow, err := parseBound(loSpec, true, stream)
	if err != nil {
		return nil, err
	}
	hi, openHigh, err := parseBound(hiSpec, false, stream)
	if err != nil {
		return nil, err
	}

	out := make([]StreamEntry, 0, len(stream.Entries))
	for _, e := range stream.Entries {
		if !openLow && e.ID.Compare(lo) < 0 {
			continue
		}
		if !openHigh && e.ID.Compare(hi) > 0 {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// XReadRequest pairs a key with the exclusive lower bound to read after.
type XReadRequest struct {
	Key string
	ID  StreamID
}

// XReadResult is one (key, entries) answer, independent of the others in the
// same XREAD call.
type XReadResult struct {
	Key     string
	Entries []StreamEntry
}

// XRead answers each request independently, returning only keys that
// produced at least one entry strictly after the supplied ID.
func (s *Store) XRead(requests []XReadRequest) ([]XReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []XReadResult
	for _, req := range requests {
		item, ok := s.items[req.Key]
		if !ok {
			continue
		}
		if item.kind != kindStream {
			return nil, ErrWrongType
		}

		var entries []StreamEntry
		for _, e := range item.stream.Entries {
			if e.ID.Compare(req.ID) > 0 {
				entries = append(entries, e)
			}
		}
		if len(entries) > 0 {
			out = append(out, XReadResult{Key: req.Key, Entries: entries})
		}
	}
	return out, nil
}
