package ctrbc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// network wires in-process Protocol instances together, each dispatch
// running on its own goroutine, standing in for wire.Transport in these
// state-machine tests.
type network struct {
	protocols []*Protocol
}

func newNetwork(n, t int) *network {
	net := &network{protocols: make([]*Protocol, n)}
	for i := 0; i < n; i++ {
		i := i
		// Dispatch on a fresh goroutine per message, decoupling each
		// replica's call stack from the sender's the way separate TCP
		// connection goroutines do in wire.Transport. Dispatching inline
		// here would let a cascade of broadcasts cycle back into a
		// replica whose instance lock is still held higher up the same
		// call stack, self-deadlocking on Go's non-reentrant sync.Mutex.
		net.protocols[i] = New(n, t, i, func(to int, msg Message) {
			go net.deliver(to, msg)
		})
	}
	return net
}

func (net *network) deliver(to int, msg Message) {
	p := net.protocols[to]
	switch msg.Type {
	case MsgInit:
		p.HandleInit(msg.InstanceID, msg.CTRBC)
	case MsgEcho:
		p.HandleEcho(msg.InstanceID, msg.CTRBC, msg.From)
	case MsgReady:
		p.HandleReady(msg.InstanceID, msg.CTRBC, msg.From)
	}
}

func TestHonestDealerAllDeliver(t *testing.T) {
	n, f := 4, 1
	net := newNetwork(n, f)
	msg := []byte{0x01, 0x02, 0x03, 0x04, 0x05}

	net.protocols[0].StartInit(0, msg)

	for i := 0; i < n; i++ {
		select {
		case d := <-net.protocols[i].Out:
			require.Equal(t, msg, d.Message)
			require.Equal(t, 0, d.Origin)
		case <-time.After(2 * time.Second):
			t.Fatalf("node %d did not deliver", i)
		}
	}
}

// TestByzantineEchoDropped exercises a Byzantine replica relaying an Echo
// whose shard doesn't match its proof: VerifyProof must fail and the
// message must be dropped without disturbing delivery at honest nodes.
func TestByzantineEchoDropped(t *testing.T) {
	n, f := 4, 1
	net := newNetwork(n, f)
	msg := []byte("scenario c: tampered echo from a byzantine relay")

	net.protocols[0].StartInit(2, msg)

	// Inject a forged Echo with a corrupted shard; HandleEcho must reject
	// it on the Merkle proof check. Init reaches replica 1 asynchronously,
	// so wait for its copy before corrupting it.
	bad := net.protocols[1].instance(2)
	var forged CTRBCMsg
	require.Eventually(t, func() bool {
		bad.mu.Lock()
		defer bad.mu.Unlock()
		if bad.ownMsg == nil {
			return false
		}
		forged = *bad.ownMsg
		forged.Shard = append([]byte{}, forged.Shard...)
		forged.Shard[0] ^= 0xFF
		return true
	}, 2*time.Second, time.Millisecond)
	net.protocols[3].HandleEcho(2, forged, 1)

	for i := 0; i < n; i++ {
		select {
		case d := <-net.protocols[i].Out:
			require.Equal(t, msg, d.Message)
			require.Equal(t, 0, d.Origin)
		case <-time.After(2 * time.Second):
			t.Fatalf("node %d did not deliver despite byzantine echo", i)
		}
	}
}

func TestAgreementAcrossHonestNodes(t *testing.T) {
	n, f := 7, 2
	net := newNetwork(n, f)
	msg := []byte("agreement across all honest replicas")

	net.protocols[3].StartInit(5, msg)

	delivered := make([][]byte, n)
	for i := 0; i < n; i++ {
		select {
		case d := <-net.protocols[i].Out:
			delivered[i] = d.Message
		case <-time.After(2 * time.Second):
			t.Fatalf("node %d did not deliver", i)
		}
	}
	for i := 1; i < n; i++ {
		require.Equal(t, delivered[0], delivered[i])
	}
}
