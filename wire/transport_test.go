package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendAndListenRoundTrip(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	peers := PeerTable{
		ID:        0,
		Addresses: map[int]string{1: addr},
		Keys:      map[int][]byte{1: []byte("key-1")},
	}
	transport := NewTransport(peers)
	defer transport.Close()

	received := make(chan *WrapperMsg, 1)
	listener := NewTransport(PeerTable{ID: 1})
	go func() {
		_ = listener.Listen(addr, func(msg *WrapperMsg) {
			received <- msg
		})
	}()
	time.Sleep(20 * time.Millisecond) // let Listen bind before we dial

	msg, err := NewWrapperMsg(samplePayload{Instance: 7, Body: []byte("init")}, 0, peers.Keys[1])
	require.NoError(t, err)

	handle, err := transport.Send(1, msg)
	require.NoError(t, err)
	<-handle.done

	select {
	case got := <-received:
		require.True(t, got.Verify(peers.Keys[1]))
		var decoded samplePayload
		require.NoError(t, got.Decode(&decoded))
		require.Equal(t, 7, decoded.Instance)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}
