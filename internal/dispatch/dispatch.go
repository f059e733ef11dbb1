// Package dispatch implements the command dispatcher and per-connection
// state machine (spec component C5): it maps a parsed Array message to a
// command, executes it against the data model, and emits a response -- or,
// for PSYNC, hands the connection off to the replication subsystem and
// never returns to client-command service.
//
// Grounded on the teacher's internal/handler/handler.go (verb -> handler
// function map, registered once at construction) and string_handlers.go,
// narrowed to this core's verb set and adapted from the teacher's
// processor.Command/channel indirection to calling store.Store directly,
// since this core's Store is already safe for concurrent use.
package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kvstream/internal/conn"
	"kvstream/internal/protocol"
	"kvstream/internal/rdb"
	"kvstream/internal/replication"
	"kvstream/internal/store"
)

// ErrReplicaHandoff is returned by Serve when the connection has just sent
// FULLRESYNC and been registered with the replication package (spec §4.5:
// "does not return to client-command service"). The connection's socket is
// now owned by the replica's writer goroutine; whoever called Serve must not
// close it -- closing it belongs to replication.Info.detach.
var ErrReplicaHandoff = errors.New("dispatch: connection handed off to replication")

// Dispatcher holds everything a connection's command loop needs: the data
// model, the replication record, and the two CONFIG GET-able startup
// options (spec §6).
type Dispatcher struct {
	Store *store.Store
	Info  *replication.Info

	Dir        string
	DBFilename string

	clients int64
}

func New(s *store.Store, info *replication.Info, dir, dbfilename string) *Dispatcher {
	return &Dispatcher{Store: s, Info: info, Dir: dir, DBFilename: dbfilename}
}

// Serve runs the connection state machine described in spec §4.5: INITIAL
// processes commands until PSYNC, at which point it sends FULLRESYNC plus
// the snapshot frame, registers the connection as a replica, and returns --
// the connection is now REPLICATION_SOURCE and belongs to the replication
// package's writer goroutine, not to this loop.
func (d *Dispatcher) Serve(c *conn.Conn) error {
	atomic.AddInt64(&d.clients, 1)
	defer atomic.AddInt64(&d.clients, -1)

	for {
		msg, ok, err := c.ReadMessage()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		verb, args, isCmd := commandParts(msg)
		if !isCmd {
			continue
		}

		if verb == "PSYNC" {
			if err := d.handlePsync(c); err != nil {
				return err
			}
			return ErrReplicaHandoff
		}

		reply := d.dispatch(verb, args, msg)
		if err := c.Write(reply); err != nil {
			return err
		}
	}
}

func commandParts(m protocol.Message) (verb string, args []protocol.Message, ok bool) {
	if m.Kind != protocol.KindArray || len(m.Items) == 0 {
		return "", nil, false
	}
	head := m.Items[0]
	if head.Kind != protocol.KindBulkString {
		return "", nil, false
	}
	return strings.ToUpper(string(head.Bulk)), m.Items[1:], true
}

func errf(format string, a ...interface{}) protocol.Message {
	return protocol.Err(fmt.Sprintf(format, a...))
}

func (d *Dispatcher) dispatch(verb string, args []protocol.Message, raw protocol.Message) protocol.Message {
	if d.Info.Role == replication.RoleReplica && verb != "PING" && verb != "INFO" {
		return errf("ERR a replica does not accept client commands other than PING and INFO")
	}

	switch verb {
	case "PING":
		return d.cmdPing(args)
	case "ECHO":
		return d.cmdEcho(args)
	case "SET":
		return d.cmdSet(args, raw)
	case "GET":
		return d.cmdGet(args)
	case "INFO":
		return d.cmdInfo(args)
	case "REPLCONF":
		return protocol.SimpleString("OK")
	case "WAIT":
		return d.cmdWait(args)
	case "CONFIG":
		return d.cmdConfig(args)
	case "KEYS":
		return d.cmdKeys(args)
	case "TYPE":
		return d.cmdType(args)
	case "XADD":
		return d.cmdXAdd(args)
	case "XRANGE":
		return d.cmdXRange(args)
	case "XREAD":
		return d.cmdXRead(args)
	default:
		return errf("ERR unsupported command, %s", verb)
	}
}

func (d *Dispatcher) cmdPing(args []protocol.Message) protocol.Message {
	if len(args) > 0 {
		return protocol.BulkString(args[0].Bulk)
	}
	return protocol.SimpleString("PONG")
}

func (d *Dispatcher) cmdEcho(args []protocol.Message) protocol.Message {
	if len(args) < 1 {
		return errf("ERR wrong number of arguments for 'echo' command")
	}
	return protocol.BulkString(args[0].Bulk)
}

func (d *Dispatcher) cmdSet(args []protocol.Message, raw protocol.Message) protocol.Message {
	if len(args) < 2 {
		return errf("ERR wrong number of arguments for 'set' command")
	}
	key := string(args[0].Bulk)
	value := append([]byte(nil), args[1].Bulk...)

	var expiresAt *time.Time
	if len(args) >= 4 && strings.EqualFold(string(args[2].Bulk), "PX") {
		ms, err := strconv.ParseInt(string(args[3].Bulk), 10, 64)
		if err != nil {
			return errf("ERR value is not an integer or out of range")
		}
		t := time.Now().Add(time.Duration(ms) * time.Millisecond)
		expiresAt = &t
	}

	d.Store.Set(key, value, expiresAt)
	d.Info.Fanout(raw)
	return protocol.SimpleString("OK")
}

func (d *Dispatcher) cmdGet(args []protocol.Message) protocol.Message {
	if len(args) < 1 {
		return errf("ERR wrong number of arguments for 'get' command")
	}
	entry, ok, err := d.Store.Get(string(args[0].Bulk))
	if err != nil {
		return protocol.Err(err.Error())
	}
	if !ok {
		return protocol.Null()
	}
	return protocol.BulkString(entry.Value)
}

func (d *Dispatcher) cmdInfo(args []protocol.Message) protocol.Message {
	return protocol.BulkFromString(d.Info.InfoReplicationSection(int(atomic.LoadInt64(&d.clients))))
}

func (d *Dispatcher) cmdWait(args []protocol.Message) protocol.Message {
	if len(args) < 2 {
		return errf("ERR wrong number of arguments for 'wait' command")
	}
	numReplicas, err := strconv.Atoi(string(args[0].Bulk))
	if err != nil {
		return errf("ERR value is not an integer or out of range")
	}
	timeoutMs, err := strconv.Atoi(string(args[1].Bulk))
	if err != nil {
		return errf("ERR value is not an integer or out of range")
	}
	acked := d.Info.Wait(numReplicas, time.Duration(timeoutMs)*time.Millisecond)
	return protocol.Integer(int64(acked))
}

func (d *Dispatcher) cmdConfig(args []protocol.Message) protocol.Message {
	if len(args) < 2 || !strings.EqualFold(string(args[0].Bulk), "GET") {
		return errf("ERR unsupported CONFIG subcommand")
	}
	key := strings.ToLower(string(args[1].Bulk))
	var value string
	switch key {
	case "dir":
		value = d.Dir
	case "dbfilename":
		value = d.DBFilename
	}
	return protocol.Array(protocol.BulkFromString(key), protocol.BulkFromString(value))
}

func (d *Dispatcher) cmdKeys(args []protocol.Message) protocol.Message {
	if len(args) < 1 {
		return errf("ERR wrong number of arguments for 'keys' command")
	}
	if string(args[0].Bulk) != "*" {
		return errf("ERR only the '*' pattern is supported")
	}
	keys := d.Store.Keys()
	items := make([]protocol.Message, len(keys))
	for i, k := range keys {
		items[i] = protocol.BulkFromString(k)
	}
	return protocol.Array(items...)
}

func (d *Dispatcher) cmdType(args []protocol.Message) protocol.Message {
	if len(args) < 1 || len(args[0].Bulk) == 0 {
		return errf("ERR wrong number of arguments for 'type' command")
	}
	return protocol.SimpleString(d.Store.Type(string(args[0].Bulk)))
}

// handlePsync sends FULLRESYNC + the snapshot frame and hands c off to the
// replication package; the connection never again goes through dispatch.
func (d *Dispatcher) handlePsync(c *conn.Conn) error {
	if err := c.Write(protocol.SimpleString(fmt.Sprintf("FULLRESYNC %s 0", d.Info.ReplID))); err != nil {
		return err
	}

	snapshot := d.Store.All()
	var payload []byte
	if len(snapshot) == 0 {
		payload = rdb.EmptySnapshot()
	} else {
		encoded, err := rdb.Encode(snapshot)
		if err != nil {
			return err
		}
		payload = encoded
	}

	frame := append([]byte(fmt.Sprintf("$%d\r\n", len(payload))), payload...)
	if err := c.WriteRaw(frame); err != nil {
		return err
	}

	d.Info.Attach(uuid.NewString(), c)
	return nil
}
