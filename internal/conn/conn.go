// Package conn implements the framed connection (spec component C2): a
// buffered, message-at-a-time wrapper around a net.Conn with a FIFO of
// parsed-but-not-yet-consumed messages, plus the raw-byte escape hatch used
// to carry an RDB snapshot payload.
//
// Grounded on the teacher's bufio-based protocol.ParseCommand plus the
// read-cache design in original_source/src/communication.rs (MessageStream /
// ReplicaStream), adapted from Rust's one-shot-buffer read loop into Go's
// net.Conn.Read semantics.
package conn

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"

	"kvstream/internal/protocol"
)

const readChunkSize = 4096

// ErrClosed is returned by ReadRDBPayload on a clean peer close (EOF with no
// partial frame pending). ReadMessage reports the same condition as ok ==
// false with a nil error.
var ErrClosed = errors.New("conn: closed")

type queuedMessage struct {
	msg  protocol.Message
	size int
}

// Conn wraps a TCP socket with a cache of parsed messages. ReadMessage only
// issues a socket read when the cache is empty, and each read decodes at
// most one queued message (see fill) even when the peer pipelines several.
type Conn struct {
	nc    net.Conn
	w     *bufio.Writer
	queue []queuedMessage
	pend  []byte // unconsumed bytes left over from the last socket read

	// bytesIn counts every byte consumed out of pend, by a completed
	// message or by a snapshot frame read through ReadRDBPayload. The
	// replica's REPLCONF ACK offset does not use it; RunSteadyState sums
	// LastMessageSize per processed message instead.
	bytesIn  int64
	lastSize int
}

func New(nc net.Conn) *Conn {
	return &Conn{nc: nc, w: bufio.NewWriter(nc)}
}

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
func (c *Conn) Close() error         { return c.nc.Close() }
func (c *Conn) Raw() net.Conn        { return c.nc }

// BytesConsumed returns the total number of wire bytes turned into complete
// messages so far on this connection.
func (c *Conn) BytesConsumed() int64 { return c.bytesIn }

// ReadMessage returns the next message. ok is false only on a clean EOF with
// no message available; any non-nil error is fatal to the connection.
func (c *Conn) ReadMessage() (msg protocol.Message, ok bool, err error) {
	for len(c.queue) == 0 {
		if err := c.fill(); err != nil {
			if errors.Is(err, ErrClosed) {
				return protocol.Message{}, false, nil
			}
			return protocol.Message{}, false, err
		}
	}
	qm := c.queue[0]
	c.queue = c.queue[1:]
	c.lastSize = qm.size
	return qm.msg, true, nil
}

// LastMessageSize returns the serialized byte length of the message most
// recently returned by ReadMessage. Used by the replica-side steady-state
// loop to accumulate an offset incrementally, since a single socket read can
// deliver several pipelined messages at once (spec §4.7: the ACK offset must
// equal bytes processed strictly before the current GETACK, counted
// per-message, not per-read).
func (c *Conn) LastMessageSize() int { return c.lastSize }

// fill decodes at most one complete message out of the accumulated buffer,
// issuing a socket read first only if pend doesn't already hold one. It
// deliberately stops after one message rather than draining every complete
// frame pend can yield: a PSYNC reply's FULLRESYNC line can arrive in the
// same read as the snapshot frame that follows it, and that frame is not
// valid message grammar (a "$<len>\r\n<bytes>" with no trailing CRLF, spec
// §4.2/§4.4). Parsing only one message per call means the snapshot bytes are
// never handed to protocol.Parse at all -- they stay in pend for the
// handshake's explicit ReadRDBPayload call, instead of this layer guessing
// from the leading '$' whether what follows is a bulk string or a snapshot.
func (c *Conn) fill() error {
	if msg, consumed, perr := protocol.Parse(c.pend); perr == nil {
		c.queue = append(c.queue, queuedMessage{msg: msg, size: consumed})
		c.pend = c.pend[consumed:]
		c.bytesIn += int64(consumed)
		return nil
	} else if perr != protocol.ErrIncomplete {
		return perr
	}

	buf := make([]byte, readChunkSize)
	n, err := c.nc.Read(buf)
	if n > 0 {
		c.pend = append(c.pend, buf[:n]...)
	}

	msg, consumed, perr := protocol.Parse(c.pend)
	switch perr {
	case nil:
		c.queue = append(c.queue, queuedMessage{msg: msg, size: consumed})
		c.pend = c.pend[consumed:]
		c.bytesIn += int64(consumed)
	case protocol.ErrIncomplete:
		// Not enough bytes yet; ReadMessage's loop will call fill again.
	default:
		return perr
	}

	if err != nil {
		if errors.Is(err, io.EOF) {
			if len(c.queue) > 0 {
				return nil
			}
			return ErrClosed
		}
		return err
	}
	return nil
}

// Write serializes and flushes a single message.
func (c *Conn) Write(m protocol.Message) error {
	if _, err := c.w.Write(protocol.Encode(m)); err != nil {
		return err
	}
	return c.w.Flush()
}

// WriteRaw bypasses the codec entirely. Used for the RDB snapshot frame,
// which looks like a bulk string ($<len>\r\n<bytes>) but omits the trailing
// CRLF a real bulk string would carry (spec §4.2/§4.4).
func (c *Conn) WriteRaw(b []byte) error {
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadRDBPayload reads a "$<len>\r\n<bytes>" frame with NO trailing CRLF --
// the format a snapshot is sent in, distinct from an ordinary bulk string.
// It is used exactly once by the replica handshake, immediately after the
// FULLRESYNC reply, before steady-state message reading resumes.
//
// The teacher's ancestor (original_source/src/communication.rs) hard-codes
// the length of the canonical empty RDB (93 bytes) instead of parsing the
// "$<len>\r\n" preamble -- the "magic length" anti-pattern spec §9 calls out
// for replacement. This reads the real length.
func (c *Conn) ReadRDBPayload() ([]byte, error) {
	// Drain anything already cached as a length line; a snapshot frame is
	// never itself pushed onto the message queue (it isn't valid grammar),
	// so pend holds the raw "$<len>\r\n" prefix plus whatever followed.
	for {
		idx := indexCRLF(c.pend)
		if idx >= 0 {
			break
		}
		if err := c.readMore(); err != nil {
			return nil, err
		}
	}

	idx := indexCRLF(c.pend)
	if len(c.pend) == 0 || c.pend[0] != '$' {
		return nil, errors.New("conn: expected snapshot frame")
	}
	length, err := strconv.Atoi(string(c.pend[1:idx]))
	if err != nil || length < 0 {
		return nil, errors.New("conn: invalid snapshot length")
	}

	start := idx + 2
	for len(c.pend) < start+length {
		if err := c.readMore(); err != nil {
			return nil, err
		}
	}

	payload := make([]byte, length)
	copy(payload, c.pend[start:start+length])
	c.pend = c.pend[start+length:]
	c.bytesIn += int64(start + length)
	return payload, nil
}

func (c *Conn) readMore() error {
	buf := make([]byte, readChunkSize)
	n, err := c.nc.Read(buf)
	if n > 0 {
		c.pend = append(c.pend, buf[:n]...)
	}
	if n == 0 && err != nil {
		if errors.Is(err, io.EOF) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func indexCRLF(buf []byte) int {
	for i := 1; i < len(buf); i++ {
		if buf[i-1] == '\r' && buf[i] == '\n' {
			return i - 1
		}
	}
	return -1
}
