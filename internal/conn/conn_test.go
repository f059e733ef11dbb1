package conn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"kvstream/internal/protocol"
)

func pipe(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return New(server), client
}

func TestReadMessagePipelined(t *testing.T) {
	c, client := pipe(t)

	go func() {
		client.Write(protocol.Encode(protocol.Array(protocol.BulkFromString("PING"))))
		client.Write(protocol.Encode(protocol.Array(protocol.BulkFromString("PING"))))
	}()

	for i := 0; i < 2; i++ {
		msg, ok, err := c.ReadMessage()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, protocol.KindArray, msg.Kind)
	}
}

func TestReadMessageEOF(t *testing.T) {
	c, client := pipe(t)
	client.Close()

	_, ok, err := c.ReadMessage()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteRoundTrip(t *testing.T) {
	c, client := pipe(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Write(protocol.SimpleString("OK"))
	}()

	buf := make([]byte, 32)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", string(buf[:n]))
	<-done
}

func TestReadRDBPayload(t *testing.T) {
	c, client := pipe(t)

	go func() {
		client.Write([]byte("$5\r\nhello"))
	}()

	payload, err := c.ReadRDBPayload()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
}
