package ccbrb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drand/rbc/erasure"
	"github.com/drand/rbc/merkle"
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
		p.HandleInit(msg.InstanceID, *msg.Init)
	case MsgEcho:
		p.HandleEcho(msg.InstanceID, *msg.Echo)
	case MsgReady:
		p.HandleReady(msg.InstanceID, *msg.Ready)
	}
}

func TestHonestDealerAllDeliver(t *testing.T) {
	n, f := 4, 1
	net := newNetwork(n, f)
	msg := []byte("online error correcting broadcast payload")

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

func TestAgreementAcrossHonestNodes(t *testing.T) {
	n, f := 7, 2
	net := newNetwork(n, f)
	msg := []byte("ccbrb agreement across all honest replicas, a bit longer this time")

	net.protocols[3].StartInit(9, msg)

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

// TestMismatchedShareRefusesInitButOthersDeliver is spec.md's Scenario D:
// the dealer sends one peer a share whose hash doesn't match D[peer];
// that peer refuses the Init (never advances to ECHO off its own Init),
// but the rest of the network proceeds via Echo amplification and still
// delivers the correct payload.
func TestMismatchedShareRefusesInitButOthersDeliver(t *testing.T) {
	n, f := 4, 1
	net := newNetwork(n, f)
	msg := []byte("scenario d: tampered share to one peer")
	instanceID := 2

	dealer := net.protocols[0]
	victim := 2

	k := dealer.k()
	dShards := erasure.GetShards(msg, k, n-k)
	dHashes := make([]merkle.Digest, n)
	for i, shard := range dShards {
		dHashes[i] = merkle.HashLeaf(shard)
	}

	// Replicate StartInit's fan-out but corrupt the share addressed to
	// victim before it is delivered.
	dealerState := dealer.instance(instanceID)
	dealerState.mu.Lock()
	dealerState.status = StatusInit
	dealerState.mu.Unlock()

	dealer.HandleInit(instanceID, SendMsg{
		Dj:      Share{Number: 0, Data: dShards[0]},
		DHashes: dHashes,
		Origin:  0,
		MsgLen:  len(msg),
	})

	for j := 0; j < n; j++ {
		if j == 0 {
			continue
		}
		data := dShards[j]
		if j == victim {
			data = append([]byte{}, data...)
			data[0] ^= 0xFF // corrupt: H(d_j) will no longer equal D[victim]
		}
		net.protocols[j].HandleInit(instanceID, SendMsg{
			Dj:      Share{Number: j, Data: data},
			DHashes: dHashes,
			Origin:  0,
			MsgLen:  len(msg),
		})
	}

	// The victim must not have advanced past WAITING from its own Init.
	vs := net.protocols[victim].instance(instanceID)
	vs.mu.Lock()
	status := vs.status
	vs.mu.Unlock()
	require.Equal(t, StatusWaiting, status)

	// Every peer, including the victim, proceeds via Echo/Ready
	// amplification and delivers the correct payload, per spec.md's
	// Scenario D and Testable Property #4 (Totality): the victim learns
	// the dealer's payload length from its peers' Echo/Ready messages
	// (see EchoMsg/ReadyMsg's MsgLen field), so having no verified Init
	// of its own does not stop it from reconstructing and delivering.
	for i := 0; i < n; i++ {
		select {
		case d := <-net.protocols[i].Out:
			require.Equal(t, msg, d.Message)
			require.Equal(t, 0, d.Origin)
		case <-time.After(2 * time.Second):
			t.Fatalf("node %d did not deliver despite scenario d mismatch", i)
		}
	}
}
