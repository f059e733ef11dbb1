package dispatch

import (
	"errors"
	"strconv"
	"strings"

	"kvstream/internal/protocol"
	"kvstream/internal/store"
)

func (d *Dispatcher) cmdXAdd(args []protocol.Message) protocol.Message {
	if len(args) < 4 || (len(args)-2)%2 != 0 {
		return errf("ERR wrong number of arguments for 'xadd' command")
	}
	key := string(args[0].Bulk)
	pattern := string(args[1].Bulk)

	fields := make([]store.FieldValue, 0, (len(args)-2)/2)
	for i := 2; i < len(args); i += 2 {
		fields = append(fields, store.FieldValue{Field: string(args[i].Bulk), Value: string(args[i+1].Bulk)})
	}

	id, err := d.Store.XAdd(key, pattern, fields)
	if err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.BulkFromString(id.String())
}

func (d *Dispatcher) cmdXRange(args []protocol.Message) protocol.Message {
	if len(args) < 3 {
		return errf("ERR wrong number of arguments for 'xrange' command")
	}
	key := string(args[0].Bulk)
	lo := string(args[1].Bulk)
	hi := string(args[2].Bulk)

	entries, err := d.Store.XRange(key, lo, hi)
	if err != nil {
		return protocol.Err(err.Error())
	}
	return protocol.Array(encodeStreamEntries(entries)...)
}

func encodeStreamEntries(entries []store.StreamEntry) []protocol.Message {
	out := make([]protocol.Message, len(entries))
	for i, e := range entries {
		fieldItems := make([]protocol.Message, 0, len(e.Fields)*2)
		for _, fv := range e.Fields {
			fieldItems = append(fieldItems, protocol.BulkFromString(fv.Field), protocol.BulkFromString(fv.Value))
		}
		out[i] = protocol.Array(
			protocol.BulkFromString(e.ID.String()),
			protocol.Array(fieldItems...),
		)
	}
	return out
}

// cmdXRead parses "STREAMS k... id..." or "BLOCK ms STREAMS k... id...".
// This core parses BLOCK syntactically but answers immediately; a genuine
// blocking wait for new entries is out of scope (spec §6 does not specify
// its semantics beyond the grammar).
func (d *Dispatcher) cmdXRead(args []protocol.Message) protocol.Message {
	idx := 0
	if idx < len(args) && strings.EqualFold(string(args[idx].Bulk), "BLOCK") {
		if idx+1 >= len(args) {
			return errf("ERR syntax error")
		}
		if _, err := strconv.Atoi(string(args[idx+1].Bulk)); err != nil {
			return errf("ERR timeout is not an integer or out of range")
		}
		idx += 2
	}
	if idx >= len(args) || !strings.EqualFold(string(args[idx].Bulk), "STREAMS") {
		return errf("ERR syntax error")
	}
	idx++

	rest := args[idx:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return errf("ERR Unbalanced XREAD list of streams: for each stream key an ID should be specified")
	}
	n := len(rest) / 2
	requests := make([]store.XReadRequest, n)
	for i := 0; i < n; i++ {
		key := string(rest[i].Bulk)
		id, err := parseStreamID(string(rest[n+i].Bulk))
		if err != nil {
			return protocol.Err(err.Error())
		}
		requests[i] = store.XReadRequest{Key: key, ID: id}
	}

	results, err := d.Store.XRead(requests)
	if err != nil {
		return protocol.Err(err.Error())
	}
	if len(results) == 0 {
		return protocol.Null()
	}

	out := make([]protocol.Message, len(results))
	for i, r := range results {
		out[i] = protocol.Array(protocol.BulkFromString(r.Key), protocol.Array(encodeStreamEntries(r.Entries)...))
	}
	return protocol.Array(out...)
}

var errBadStreamID = errors.New("ERR Invalid stream ID specified as stream command argument")

func parseStreamID(spec string) (store.StreamID, error) {
	msPart, seqPart, hasSeq := strings.Cut(spec, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return store.StreamID{}, errBadStreamID
	}
	if !hasSeq {
		return store.StreamID{Ms: ms, Seq: 0}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return store.StreamID{}, errBadStreamID
	}
	return store.StreamID{Ms: ms, Seq: seq}, nil
}
