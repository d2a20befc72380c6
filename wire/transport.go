package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// PeerTable maps replica ids to network addresses and their per-peer MAC
// keys, the (net_map, sk_map) pair from the process configuration.
type PeerTable struct {
	ID        int
	Addresses map[int]string
	Keys      map[int][]byte
}

// Transport is a raw length-prefixed authenticated TCP transport: every
// message on the wire is a 4-byte big-endian length prefix followed by a
// gob-encoded WrapperMsg.
type Transport struct {
	peers PeerTable

	mu    sync.Mutex
	conns map[int]net.Conn
}

// NewTransport builds a transport over the given peer table. Connections
// are dialed lazily on first send.
func NewTransport(peers PeerTable) *Transport {
	return &Transport{
		peers: peers,
		conns: make(map[int]net.Conn),
	}
}

// Listen starts accepting inbound connections on addr, delivering every
// decoded WrapperMsg to handle. It blocks until the listener is closed.
func (t *Transport) Listen(addr string, handle func(*WrapperMsg)) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("wire: listen %s: %w", addr, err)
	}
	defer l.Close()

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go t.serve(conn, handle)
	}
}

func (t *Transport) serve(conn net.Conn, handle func(*WrapperMsg)) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		msg, err := readWrapperMsg(r)
		if err != nil {
			return
		}
		handle(msg)
		ackWrite(conn)
	}
}

// CancelHandler is the handle Send returns for one background write: done
// closes once the write has finished or failed. Send does not read the
// receiver's acknowledgement byte and does not retransmit, so there is no
// wait for Cancel to abort.
type CancelHandler struct {
	done   chan struct{}
	cancel chan struct{}
}

// Cancel closes the handle's cancel channel; it does not interrupt a write
// already in progress.
func (c *CancelHandler) Cancel() {
	select {
	case <-c.cancel:
	default:
		close(c.cancel)
	}
}

// Send writes msg to replica `to` on a background goroutine, returning a
// handle whose done channel closes when the write completes. The
// receiver's acknowledgement is not awaited.
func (t *Transport) Send(to int, msg *WrapperMsg) (*CancelHandler, error) {
	conn, err := t.conn(to)
	if err != nil {
		return nil, err
	}

	handle := &CancelHandler{done: make(chan struct{}), cancel: make(chan struct{})}
	go func() {
		defer close(handle.done)
		if err := writeWrapperMsg(conn, msg); err != nil {
			t.dropConn(to)
			return
		}
		select {
		case <-handle.cancel:
		default:
		}
	}()
	return handle, nil
}

// Broadcast fans out msg to every peer in the table except skip (the
// sender's own id, delivered separately via a self short-circuit),
// forking one goroutine per recipient and aggregating any send errors.
// This mirrors the teacher's dkg fan-out-and-collect pattern.
func (t *Transport) Broadcast(msg *WrapperMsg, skip int) ([]*CancelHandler, error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var result error
	handles := make([]*CancelHandler, 0, len(t.peers.Addresses))

	for id := range t.peers.Addresses {
		if id == skip {
			continue
		}
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := t.Send(id, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("peer %d: %w", id, err))
				return
			}
			handles = append(handles, h)
		}()
	}
	wg.Wait()
	return handles, result
}

func (t *Transport) conn(to int) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[to]; ok {
		return c, nil
	}
	addr, ok := t.peers.Addresses[to]
	if !ok {
		return nil, fmt.Errorf("wire: no address for peer %d", to)
	}
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial peer %d at %s: %w", to, addr, err)
	}
	t.conns[to] = c
	return c, nil
}

func (t *Transport) dropConn(to int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[to]; ok {
		c.Close()
		delete(t.conns, to)
	}
}

// Close tears down every outbound connection held by the transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result error
	for id, c := range t.conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("peer %d: %w", id, err))
		}
	}
	t.conns = make(map[int]net.Conn)
	return result
}

func writeWrapperMsg(w io.Writer, msg *WrapperMsg) error {
	body, err := encodeWrapperMsg(msg)
	if err != nil {
		return err
	}
	// Prefix and body go out in one Write so concurrent Sends sharing a
	// connection cannot interleave their frames.
	frame := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	_, err = w.Write(frame)
	return err
}

func readWrapperMsg(r io.Reader) (*WrapperMsg, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(length[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decodeWrapperMsg(body)
}

// ackWrite writes a single zero byte as the acknowledgement for a received
// message; readers that care about delivery confirmation can consume it,
// readers that don't (the common case on a broadcast fan-out) simply leave
// it unread until the connection buffer is drained on close.
func ackWrite(w io.Writer) {
	_, _ = w.Write([]byte{0})
}
