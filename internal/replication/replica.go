package replication

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"kvstream/internal/conn"
	"kvstream/internal/protocol"
	"kvstream/internal/rdb"
	"kvstream/internal/store"
)

// Handshake runs the replica-side handshake state machine (spec §4.7)
// against addr, then installs the received snapshot into s and returns the
// live connection for the steady-state loop. listenPort is advertised via
// REPLCONF listening-port. Every step is strictly ordered; any failure is
// fatal to the replica role (internal/server logs it and ends the replica
// task; the server's role stays replica and it does not become a master).
func Handshake(addr string, listenPort int, s *store.Store, info *Info) (*conn.Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("replication: dial upstream %s: %w", addr, err)
	}
	c := conn.New(nc)

	steps := []struct {
		name string
		send protocol.Message
	}{
		{"PING", protocol.Array(protocol.BulkFromString("PING"))},
		{"REPLCONF listening-port", protocol.Array(
			protocol.BulkFromString("REPLCONF"),
			protocol.BulkFromString("listening-port"),
			protocol.BulkFromString(fmt.Sprintf("%d", listenPort)),
		)},
		{"REPLCONF capa", protocol.Array(
			protocol.BulkFromString("REPLCONF"),
			protocol.BulkFromString("capa"),
			protocol.BulkFromString("psync2"),
		)},
	}

	for _, step := range steps {
		if err := c.Write(step.send); err != nil {
			c.Close()
			return nil, fmt.Errorf("replication: send %s: %w", step.name, err)
		}
		if _, _, err := expectReply(c); err != nil {
			c.Close()
			return nil, fmt.Errorf("replication: %s reply: %w", step.name, err)
		}
	}

	psync := protocol.Array(protocol.BulkFromString("PSYNC"), protocol.BulkFromString("?"), protocol.BulkFromString("-1"))
	if err := c.Write(psync); err != nil {
		c.Close()
		return nil, fmt.Errorf("replication: send PSYNC: %w", err)
	}
	fullresync, _, err := expectReply(c)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("replication: PSYNC reply: %w", err)
	}
	if masterID, ok := parseFullresync(fullresync); ok {
		info.ReplID = masterID
	}

	payload, err := c.ReadRDBPayload()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("replication: read snapshot: %w", err)
	}
	entries, err := rdb.DecodeBytes(payload)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("replication: decode snapshot: %w", err)
	}
	for _, e := range entries {
		s.LoadString(e.Key, store.Entry{Value: e.Value, ExpiresAt: e.ExpiresAt})
	}

	return c, nil
}

func expectReply(c *conn.Conn) (protocol.Message, bool, error) {
	msg, ok, err := c.ReadMessage()
	if err != nil {
		return protocol.Message{}, false, err
	}
	if !ok {
		return protocol.Message{}, false, fmt.Errorf("upstream closed connection")
	}
	return msg, true, nil
}

func parseFullresync(m protocol.Message) (string, bool) {
	if m.Kind != protocol.KindSimpleString {
		return "", false
	}
	var replID string
	var offset int
	n, err := fmt.Sscanf(m.Str, "FULLRESYNC %s %d", &replID, &offset)
	if err != nil || n != 2 {
		return "", false
	}
	return replID, true
}

// RunSteadyState reads from c until EOF, applying SET silently and answering
// REPLCONF GETACK with the bytes processed strictly before it (spec §4.7).
// It is meant to run for the lifetime of the replica connection; the caller
// runs it in its own goroutine.
func RunSteadyState(c *conn.Conn, s *store.Store, info *Info) error {
	var offset int64
	for {
		msg, ok, err := c.ReadMessage()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		size := int64(c.LastMessageSize())

		if verb, args, isCmd := asCommand(msg); isCmd {
			switch verb {
			case "SET":
				applySet(s, args)
			case "REPLCONF":
				if len(args) >= 1 && upperEqual(args[0], "GETACK") {
					ack := protocol.Array(
						protocol.BulkFromString("REPLCONF"),
						protocol.BulkFromString("ACK"),
						protocol.BulkFromString(fmt.Sprintf("%d", offset)),
					)
					if err := c.Write(ack); err != nil {
						return err
					}
				}
			}
		}

		offset += size
		info.SetOffset(offset)
	}
}

func asCommand(m protocol.Message) (verb string, args []string, ok bool) {
	if m.Kind != protocol.KindArray || len(m.Items) == 0 {
		return "", nil, false
	}
	head := m.Items[0]
	if head.Kind != protocol.KindBulkString {
		return "", nil, false
	}
	verb = upperVerb(string(head.Bulk))
	for _, item := range m.Items[1:] {
		if item.Kind == protocol.KindBulkString {
			args = append(args, string(item.Bulk))
		} else {
			args = append(args, "")
		}
	}
	return verb, args, true
}

func upperVerb(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func applySet(s *store.Store, args []string) {
	if len(args) < 2 {
		return
	}
	var expiresAt *time.Time
	if len(args) >= 4 && upperEqual(args[2], "PX") {
		if ms, err := strconv.ParseInt(args[3], 10, 64); err == nil {
			t := time.Now().Add(time.Duration(ms) * time.Millisecond)
			expiresAt = &t
		}
	}
	s.Set(args[0], []byte(args[1]), expiresAt)
}
