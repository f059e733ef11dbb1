package replication

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kvstream/internal/conn"
	"kvstream/internal/protocol"
)

func TestWaitReturnsReplicaCountWithNoPriorWrite(t *testing.T) {
	info := NewMasterInfo()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	info.Attach("r1", conn.New(server))

	got := info.Wait(1, 10*time.Millisecond)
	require.Equal(t, 1, got)
}

func TestFanoutMarksHasWrite(t *testing.T) {
	info := NewMasterInfo()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	info.Attach("r1", conn.New(server))

	go func() {
		buf := make([]byte, 256)
		client.Read(buf) // drain the fanned-out SET
	}()

	info.Fanout(protocol.Array(protocol.BulkFromString("SET"), protocol.BulkFromString("k"), protocol.BulkFromString("v")))
	require.True(t, info.hasWrite)
}

func TestWaitCountsAcks(t *testing.T) {
	info := NewMasterInfo()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	info.Attach("r1", conn.New(server))
	info.Fanout(protocol.Array(protocol.BulkFromString("SET"), protocol.BulkFromString("k"), protocol.BulkFromString("v")))

	done := make(chan int)
	go func() {
		buf := make([]byte, 256)
		client.Read(buf) // the SET from Fanout
		client.Read(buf) // the GETACK from Wait
		ack := protocol.Encode(protocol.Array(protocol.BulkFromString("REPLCONF"), protocol.BulkFromString("ACK"), protocol.BulkFromString("31")))
		client.Write(ack)
		done <- 1
	}()

	got := info.Wait(1, time.Second)
	<-done
	require.Equal(t, 1, got)
}

func TestInfoReplicationSectionRoleSlaveForReplica(t *testing.T) {
	info := NewReplicaInfo("localhost:6380")
	section := info.InfoReplicationSection(0)
	require.Contains(t, section, "role:slave")
	require.Contains(t, section, info.ReplID)
}
