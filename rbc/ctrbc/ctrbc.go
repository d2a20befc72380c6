// Package ctrbc implements the Cachin-Tessaro reliable broadcast protocol:
// an Init/Echo/Ready state machine over erasure-coded, Merkle-committed
// shards, delivering the dealer's payload once n-t matching Ready
// messages for a single root have been observed.
package ctrbc

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/drand/rbc/erasure"
	"github.com/drand/rbc/log"
	"github.com/drand/rbc/merkle"
	"github.com/drand/rbc/metrics"
)

// rootCacheSize bounds how many distinct claimed roots a single instance
// will track echo/ready senders for. n honest roots always fit; this
// only caps the memory a dealer broadcasting garbage under many
// different roots can force a replica to retain.
func rootCacheSize(n int) int {
	if n*4 < 16 {
		return 16
	}
	return n * 4
}

// MsgType distinguishes the three wire messages this protocol exchanges.
type MsgType int

const (
	MsgInit MsgType = iota
	MsgEcho
	MsgReady
)

// CTRBCMsg is the payload of every Init/Echo/Ready wire message: one
// erasure-coded shard, its Merkle inclusion proof against Root, and the
// dealer's id.
type CTRBCMsg struct {
	Shard  []byte
	Root   merkle.Digest
	Proof  merkle.Proof
	Origin int
	// MsgLen is the original payload's length in bytes, carried so peers
	// can re-run erasure.GetShards at reconstruction time without first
	// having to agree on padding; spec.md's original message shape omits
	// this, but reconstruction requires it.
	MsgLen int
}

// Message is one wire-level CTRBC protocol message for a given instance.
// From is the id of the replica sending this particular hop of the
// message, which for Echo/Ready differs from CTRBC.Origin (the dealer)
// once the message has been re-broadcast by an intermediate replica.
type Message struct {
	Type       MsgType
	InstanceID int
	CTRBC      CTRBCMsg
	From       int
}

// Delivery is emitted on an instance's output channel once its RBC
// terminates: the instance id, the dealer's replica id, and the payload.
type Delivery struct {
	InstanceID int
	Origin     int
	Message    []byte
}

// Sender delivers a Message to replica `to`. The protocol package is
// transport-agnostic; process wires this to wire.Transport.
type Sender func(to int, msg Message)

// state is the per-instance RBC state, created lazily on first touch.
type state struct {
	mu sync.Mutex

	ownMsg       *CTRBCMsg
	echoes       *lru.Cache // merkle.Digest -> map[int]CTRBCMsg
	readies      *lru.Cache // merkle.Digest -> map[int]CTRBCMsg
	echoRoot     *merkle.Digest
	echoPayload  []byte
	sentReady    bool
	delivered    bool
	deliveredMsg []byte
}

func newState(n int) *state {
	echoes, _ := lru.New(rootCacheSize(n))
	readies, _ := lru.New(rootCacheSize(n))
	return &state{echoes: echoes, readies: readies}
}

// bucketFor returns the sender->message map for root, creating it on
// first touch. The returned map is the same instance cache holds, so
// mutating it in place (no re-Add needed) keeps the cache's entry live.
func bucketFor(cache *lru.Cache, root merkle.Digest) map[int]CTRBCMsg {
	if v, ok := cache.Get(root); ok {
		return v.(map[int]CTRBCMsg)
	}
	bucket := make(map[int]CTRBCMsg)
	cache.Add(root, bucket)
	return bucket
}

// Protocol runs one process's share of arbitrarily many concurrent CTRBC
// instances, keyed by a dense integer instance id.
type Protocol struct {
	N, T   int
	SelfID int
	Send   Sender
	Out    chan Delivery

	mu        sync.Mutex
	instances map[int]*state
}

// New builds a Protocol for an n-party, t-fault-tolerant deployment.
func New(n, t, selfID int, send Sender) *Protocol {
	return &Protocol{
		N:         n,
		T:         t,
		SelfID:    selfID,
		Send:      send,
		Out:       make(chan Delivery, n),
		instances: make(map[int]*state),
	}
}

func (p *Protocol) instance(id int) *state {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.instances[id]
	if !ok {
		s = newState(p.N)
		p.instances[id] = s
		metrics.SetInstancesActive("ctrbc", len(p.instances))
	}
	return s
}

// k is the reconstruction threshold: t+1 shards suffice to interpolate the
// degree-t polynomial carrying the message.
func (p *Protocol) k() int { return p.T + 1 }

// StartInit is called by the dealer to broadcast msg under instanceID.
func (p *Protocol) StartInit(instanceID int, msg []byte) {
	shards := erasure.GetShards(msg, p.k(), 2*p.T)
	tree := merkle.New(shards)
	root := tree.Root()

	for j := 0; j < p.N; j++ {
		m := CTRBCMsg{
			Shard:  shards[j],
			Root:   root,
			Proof:  tree.GenProof(j),
			Origin: p.SelfID,
			MsgLen: len(msg),
		}
		if j == p.SelfID {
			p.HandleInit(instanceID, m)
		} else {
			p.Send(j, Message{Type: MsgInit, InstanceID: instanceID, CTRBC: m, From: p.SelfID})
			metrics.MessagesSent.WithLabelValues("ctrbc", "init").Inc()
		}
	}
}

// HandleInit processes an inbound Init message: self-deliver as an Echo,
// then broadcast Echo to every peer.
func (p *Protocol) HandleInit(instanceID int, m CTRBCMsg) {
	metrics.MessagesReceived.WithLabelValues("ctrbc", "init").Inc()

	if !merkle.VerifyProof(m.Shard, m.Proof, m.Root) {
		log.DefaultLogger().Errorw("ctrbc: invalid merkle proof on init, abandoning", "origin", m.Origin)
		return
	}

	s := p.instance(instanceID)
	s.mu.Lock()
	own := m
	s.ownMsg = &own
	s.mu.Unlock()

	p.HandleEcho(instanceID, m, p.SelfID)

	for j := 0; j < p.N; j++ {
		if j == p.SelfID {
			continue
		}
		p.Send(j, Message{Type: MsgEcho, InstanceID: instanceID, CTRBC: m, From: p.SelfID})
		metrics.MessagesSent.WithLabelValues("ctrbc", "echo").Inc()
	}
}

// HandleEcho processes an Echo message from `sender` for instanceID.
func (p *Protocol) HandleEcho(instanceID int, m CTRBCMsg, sender int) {
	metrics.MessagesReceived.WithLabelValues("ctrbc", "echo").Inc()

	if !merkle.VerifyProof(m.Shard, m.Proof, m.Root) {
		log.DefaultLogger().Warnw("ctrbc: invalid merkle proof on echo, dropping", "sender", sender)
		return
	}

	s := p.instance(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.delivered {
		return
	}

	bucket := bucketFor(s.echoes, m.Root)
	if _, dup := bucket[sender]; dup {
		return
	}
	bucket[sender] = m
	count := len(bucket)

	if count == p.N-p.T && s.echoRoot == nil {
		payload, ok := p.reconstruct(bucket, m.Root, m.MsgLen)
		if ok {
			root := m.Root
			s.echoRoot = &root
			s.echoPayload = payload
			if s.ownMsg != nil {
				if !s.sentReady {
					s.sentReady = true
					p.sendReady(instanceID, *s.ownMsg)
				}
				p.handleReadyLocked(instanceID, s, *s.ownMsg, p.SelfID, payload)
			}
		} else {
			metrics.ReconstructionFailures.WithLabelValues("ctrbc").Inc()
		}
	}

	// spec.md §4.2 step 4: once every replica's Echo under the same root
	// has been seen, this replica already has enough shards to have
	// reconstructed the message above — broadcast Ready (if not already
	// sent) then terminate directly with the stored payload, rather than
	// waiting on the separate Ready-quorum path to deliver what is
	// already known.
	if count == p.N && s.echoRoot != nil && *s.echoRoot == m.Root && !s.delivered {
		if s.ownMsg != nil && !s.sentReady {
			s.sentReady = true
			p.sendReady(instanceID, *s.ownMsg)
		}
		s.delivered = true
		s.deliveredMsg = s.echoPayload
		metrics.Terminations.WithLabelValues("ctrbc").Inc()
		p.Out <- Delivery{InstanceID: instanceID, Origin: m.Origin, Message: s.echoPayload}
	}
}

// HandleReady processes a Ready message from `sender` for instanceID.
func (p *Protocol) HandleReady(instanceID int, m CTRBCMsg, sender int) {
	metrics.MessagesReceived.WithLabelValues("ctrbc", "ready").Inc()

	if !merkle.VerifyProof(m.Shard, m.Proof, m.Root) {
		log.DefaultLogger().Warnw("ctrbc: invalid merkle proof on ready, dropping", "sender", sender)
		return
	}

	s := p.instance(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p.handleReadyLocked(instanceID, s, m, sender, nil)
}

// handleReadyLocked implements both the externally-triggered Ready path
// and the internal self-delivery from HandleEcho's reconstruction step;
// payload, when non-nil, is a pre-reconstructed message from the caller.
func (p *Protocol) handleReadyLocked(instanceID int, s *state, m CTRBCMsg, sender int, payload []byte) {
	if s.delivered {
		return
	}

	bucket := bucketFor(s.readies, m.Root)
	if _, dup := bucket[sender]; dup {
		return
	}
	bucket[sender] = m
	count := len(bucket)

	if count == p.T+1 && !s.sentReady {
		reconstructed := payload
		ok := true
		if reconstructed == nil {
			reconstructed, ok = p.reconstruct(bucket, m.Root, m.MsgLen)
		}
		if ok {
			if s.ownMsg != nil {
				s.sentReady = true
				p.sendReady(instanceID, *s.ownMsg)
			}
		} else {
			metrics.ReconstructionFailures.WithLabelValues("ctrbc").Inc()
		}
	}

	if count >= p.N-p.T && !s.delivered {
		reconstructed := payload
		if reconstructed == nil {
			var ok bool
			reconstructed, ok = p.reconstruct(bucket, m.Root, m.MsgLen)
			if !ok {
				metrics.ReconstructionFailures.WithLabelValues("ctrbc").Inc()
				return
			}
		}
		s.delivered = true
		s.deliveredMsg = reconstructed
		metrics.Terminations.WithLabelValues("ctrbc").Inc()
		p.Out <- Delivery{InstanceID: instanceID, Origin: m.Origin, Message: reconstructed}
	}
}

// sendReady broadcasts a Ready message for instanceID. Callers must hold
// s.mu and must have already set s.sentReady = true before calling this,
// since it performs no locking of its own (it is invoked from within
// HandleEcho/handleReadyLocked, which already hold the instance lock).
func (p *Protocol) sendReady(instanceID int, own CTRBCMsg) {
	for j := 0; j < p.N; j++ {
		if j == p.SelfID {
			continue
		}
		p.Send(j, Message{Type: MsgReady, InstanceID: instanceID, CTRBC: own, From: p.SelfID})
		metrics.MessagesSent.WithLabelValues("ctrbc", "ready").Inc()
	}
}

// reconstruct recovers the message from any k shards in bucket and
// confirms the re-encoded shard set still produces the same Merkle root,
// the tie-break that prevents a set of shards from a different codeword
// being accepted under a colliding root.
func (p *Protocol) reconstruct(bucket map[int]CTRBCMsg, root merkle.Digest, msgLen int) ([]byte, bool) {
	present := make(map[int][]byte, p.k())
	for id, m := range bucket {
		present[id] = m.Shard
		if len(present) == p.k() {
			break
		}
	}
	if len(present) < p.k() {
		return nil, false
	}

	payload, err := erasure.Decode(present, p.k(), msgLen)
	if err != nil {
		log.DefaultLogger().Debugw("ctrbc: decode failed", "err", err)
		return nil, false
	}

	rebuiltShards := erasure.GetShards(payload, p.k(), 2*p.T)
	rebuiltRoot := merkle.New(rebuiltShards).Root()
	if rebuiltRoot != root {
		return nil, false
	}
	return payload, true
}

func (m MsgType) String() string {
	switch m {
	case MsgInit:
		return "init"
	case MsgEcho:
		return "echo"
	case MsgReady:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}
