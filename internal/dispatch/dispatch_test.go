package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kvstream/internal/conn"
	"kvstream/internal/protocol"
	"kvstream/internal/replication"
	"kvstream/internal/store"
)

func newTestPair(t *testing.T) (*Dispatcher, *conn.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	d := New(store.New(nil), replication.NewMasterInfo(), "/tmp", "dump.rdb")
	return d, conn.New(server), client
}

func roundTrip(t *testing.T, d *Dispatcher, c *conn.Conn, client net.Conn, args ...string) protocol.Message {
	t.Helper()
	items := make([]protocol.Message, len(args))
	for i, a := range args {
		items[i] = protocol.BulkFromString(a)
	}
	go func() { client.Write(protocol.Encode(protocol.Array(items...))) }()

	done := make(chan struct{})
	var reply protocol.Message
	go func() {
		defer close(done)
		msg, ok, err := c.ReadMessage()
		require.NoError(t, err)
		require.True(t, ok)
		verb, cmdArgs, _ := commandParts(msg)
		reply = d.dispatch(verb, cmdArgs, msg)
	}()
	<-done
	return reply
}

func TestDispatchPing(t *testing.T) {
	d, c, client := newTestPair(t)
	reply := roundTrip(t, d, c, client, "PING")
	require.Equal(t, "PONG", reply.Str)
}

func TestDispatchSetGet(t *testing.T) {
	d, c, client := newTestPair(t)
	reply := roundTrip(t, d, c, client, "SET", "foo", "bar")
	require.Equal(t, "OK", reply.Str)

	reply = roundTrip(t, d, c, client, "GET", "foo")
	require.Equal(t, []byte("bar"), reply.Bulk)
}

func TestDispatchGetMissingReturnsNull(t *testing.T) {
	d, c, client := newTestPair(t)
	reply := roundTrip(t, d, c, client, "GET", "nope")
	require.True(t, reply.IsNull())
}

func TestDispatchTypeAndKeys(t *testing.T) {
	d, c, client := newTestPair(t)
	roundTrip(t, d, c, client, "SET", "a", "1")

	reply := roundTrip(t, d, c, client, "TYPE", "a")
	require.Equal(t, "string", reply.Str)

	reply = roundTrip(t, d, c, client, "KEYS", "*")
	require.Equal(t, protocol.KindArray, reply.Kind)
	require.Len(t, reply.Items, 1)
}

func TestDispatchConfigGet(t *testing.T) {
	d, c, client := newTestPair(t)
	reply := roundTrip(t, d, c, client, "CONFIG", "GET", "dir")
	require.Equal(t, "/tmp", string(reply.Items[1].Bulk))
}

func TestDispatchXAddAndXRange(t *testing.T) {
	d, c, client := newTestPair(t)
	reply := roundTrip(t, d, c, client, "XADD", "s", "1-1", "a", "1")
	require.Equal(t, "1-1", string(reply.Bulk))

	reply = roundTrip(t, d, c, client, "XADD", "s", "1-1", "a", "2")
	require.Contains(t, reply.Str, "equal or smaller")

	reply = roundTrip(t, d, c, client, "XRANGE", "s", "-", "+")
	require.Len(t, reply.Items, 1)
}

func TestDispatchWaitNoReplicasReturnsZero(t *testing.T) {
	d, c, client := newTestPair(t)
	reply := roundTrip(t, d, c, client, "WAIT", "0", "100")
	require.Equal(t, int64(0), reply.Int)
	_ = time.Millisecond
}

func TestDispatchReplicaRejectsWrites(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	d := New(store.New(nil), replication.NewReplicaInfo("127.0.0.1:9999"), "/tmp", "dump.rdb")
	c := conn.New(server)

	reply := roundTrip(t, d, c, client, "SET", "a", "1")
	require.Equal(t, protocol.KindError, reply.Kind)
}
