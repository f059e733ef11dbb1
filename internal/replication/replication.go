// Package replication implements the master side (C6) and replica side (C7)
// of asynchronous replication, plus the ServerInfo-equivalent bookkeeping
// (role, replication ID, offset, attached replicas) described in spec §3.
//
// Grounded on the teacher's internal/replication/replication.go (Role,
// ReplicaInfo, per-replica goroutine writing a channel to a socket) and
// replica.go (handshake state machine), narrowed to this core's single
// write command (SET) and folding the teacher's separate MasterInfo bits
// into one Info type. ServerInfo.replicas lives here rather than in
// internal/store to avoid a store<->replication import cycle: replication
// is the only consumer of the replica registry, and dispatch wires the two
// packages together.
package replication

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"kvstream/internal/conn"
	"kvstream/internal/protocol"
)

// Role is the server's fixed-at-startup replication role (spec §3).
type Role int

const (
	RoleMaster Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "slave" // wire-compatibility requirement, spec §6
	}
	return "master"
}

// Info is the process-wide replication record: spec's ServerInfo minus the
// bound-address/config fields, which live in internal/server.Config.
type Info struct {
	Role         Role
	ReplID       string
	UpstreamAddr string // set only when Role == RoleReplica

	mu       sync.Mutex
	offset   int64
	replicas map[string]*ReplicaHandle
	hasWrite bool
}

// NewMasterInfo builds an Info for a server accepting writes directly.
func NewMasterInfo() *Info {
	return &Info{Role: RoleMaster, ReplID: generateReplID(), replicas: make(map[string]*ReplicaHandle)}
}

// NewReplicaInfo builds an Info for a server that replicates from upstreamAddr.
func NewReplicaInfo(upstreamAddr string) *Info {
	return &Info{Role: RoleReplica, ReplID: generateReplID(), UpstreamAddr: upstreamAddr, replicas: make(map[string]*ReplicaHandle)}
}

func generateReplID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a fixed-but-valid-shape ID rather than
		// panicking mid-startup.
		return "0000000000000000000000000000000000000000"
	}
	return hex.EncodeToString(buf) // 20 bytes -> 40 hex chars
}

// Offset returns the current replication byte offset.
func (info *Info) Offset() int64 {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.offset
}

// SetOffset overwrites the offset; used by the replica steady-state loop,
// which tracks its own consumed-byte count independently of the master's.
func (info *Info) SetOffset(n int64) {
	info.mu.Lock()
	defer info.mu.Unlock()
	info.offset = n
}

// ReplicaCount returns the number of currently attached replicas.
func (info *Info) ReplicaCount() int {
	info.mu.Lock()
	defer info.mu.Unlock()
	return len(info.replicas)
}

// Command is what's sent down a replica's outbound channel: a message to
// write, and -- for GETACK round-trips driven by WAIT -- a response channel
// and deadline.
type Command struct {
	Msg      protocol.Message
	Deadline time.Time // zero means no deadline, no ack expected
	Result   chan bool // true if replica ACKed before Deadline
}

// ReplicaHandle is the master-side registration for one attached replica
// (spec §4.6: "per-replica outbound channel, capacity 32").
type ReplicaHandle struct {
	ID   string
	conn *conn.Conn
	ch   chan Command

	mu     sync.Mutex
	closed bool
}

// Attach registers c as a new replica, spawns its writer goroutine, and
// returns the handle. The caller has already sent the FULLRESYNC reply and
// snapshot frame over c.
func (info *Info) Attach(id string, c *conn.Conn) *ReplicaHandle {
	h := &ReplicaHandle{ID: id, conn: c, ch: make(chan Command, 32)}

	info.mu.Lock()
	info.replicas[id] = h
	info.mu.Unlock()

	go h.run(info)
	return h
}

func (h *ReplicaHandle) run(info *Info) {
	defer info.detach(h.ID)
	for cmd := range h.ch {
		if err := h.conn.Write(cmd.Msg); err != nil {
			h.markClosed()
			if cmd.Result != nil {
				cmd.Result <- false
			}
			return
		}
		if cmd.Result == nil {
			continue
		}
		h.awaitAck(cmd)
	}
}

func (h *ReplicaHandle) awaitAck(cmd Command) {
	raw := h.conn.Raw()
	raw.SetReadDeadline(cmd.Deadline)
	defer raw.SetReadDeadline(time.Time{})

	msg, ok, err := h.conn.ReadMessage()
	if err != nil || !ok {
		cmd.Result <- false
		return
	}
	cmd.Result <- isReplconfAck(msg)
}

func isReplconfAck(m protocol.Message) bool {
	if m.Kind != protocol.KindArray || len(m.Items) < 1 {
		return false
	}
	verb := m.Items[0]
	return verb.Kind == protocol.KindBulkString && upperEqual(string(verb.Bulk), "REPLCONF")
}

func upperEqual(s, want string) bool {
	if len(s) != len(want) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c != want[i] {
			return false
		}
	}
	return true
}

func (h *ReplicaHandle) markClosed() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (info *Info) detach(id string) {
	info.mu.Lock()
	h, ok := info.replicas[id]
	if ok {
		delete(info.replicas, id)
	}
	info.mu.Unlock()
	if ok {
		h.conn.Close()
	}
}

// ErrReplicaGone is returned (internally) when a fan-out send targets a
// replica whose writer goroutine has already exited.
var ErrReplicaGone = errors.New("replication: replica channel closed")

// send pushes cmd onto h's channel. A full channel blocks the caller until
// the channel has room; since Fanout sends to replicas one after another,
// a full channel on one replica also delays the sends to the replicas after
// it in that loop.
func (h *ReplicaHandle) send(info *Info, cmd Command) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		info.detach(h.ID)
		return ErrReplicaGone
	}
	h.ch <- cmd
	return nil
}

// Fanout sends msg to every attached replica (in map iteration order) and
// records that a write has occurred (gating WAIT's immediate-return rule).
// Callers must have already released the store's mutex (spec §5 lock order:
// store, then replicas).
func (info *Info) Fanout(msg protocol.Message) {
	info.mu.Lock()
	info.hasWrite = true
	handles := make([]*ReplicaHandle, 0, len(info.replicas))
	for _, h := range info.replicas {
		handles = append(handles, h)
	}
	info.offset += int64(len(protocol.Encode(msg)))
	info.mu.Unlock()

	for _, h := range handles {
		h.send(info, Command{Msg: msg})
	}
}

var getAckMessage = protocol.Array(
	protocol.BulkFromString("REPLCONF"),
	protocol.BulkFromString("GETACK"),
	protocol.BulkFromString("*"),
)

// Wait implements the WAIT command (spec §4.6): with no prior write, answer
// the current replica count immediately; otherwise round-trip a GETACK to
// every replica with the given timeout and count non-expired ACKs.
func (info *Info) Wait(numReplicas int, timeout time.Duration) int {
	info.mu.Lock()
	hasWrite := info.hasWrite
	handles := make([]*ReplicaHandle, 0, len(info.replicas))
	for _, h := range info.replicas {
		handles = append(handles, h)
	}
	info.mu.Unlock()

	if !hasWrite {
		return len(handles)
	}

	deadline := time.Now().Add(timeout)
	var acked int64
	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			result := make(chan bool, 1)
			if err := h.send(info, Command{Msg: getAckMessage, Deadline: deadline, Result: result}); err != nil {
				return nil
			}
			if <-result {
				atomic.AddInt64(&acked, 1)
			}
			return nil
		})
	}
	g.Wait()
	_ = numReplicas // observed, not used to short-circuit (spec §4.6, §9)
	return int(acked)
}

// InfoReplicationSection renders the `INFO replication` block (spec §6).
func (info *Info) InfoReplicationSection(connectedClients int) string {
	return fmt.Sprintf(
		"# Replication\r\nrole:%s\r\nconnected_clients:%d\r\nmaster_replid:%s\r\nmaster_repl_offset:%d\r\n",
		info.Role, connectedClients, info.ReplID, info.Offset(),
	)
}
