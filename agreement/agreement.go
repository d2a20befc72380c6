// Package agreement implements the leader-based IBFT-style agreement
// layer: replicas report per-party termination events to a fixed leader,
// the leader freezes a consensus input set once enough distinct parties
// have n-t reporters each, and CTRBC-broadcasts that set once it reaches
// consensus_threshold members. Every process that delivers the CTRBC
// broadcast emits the agreed party list on its own output channel.
package agreement

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/drand/rbc/log"
	"github.com/drand/rbc/metrics"
	"github.com/drand/rbc/rbc/ctrbc"
)

// Message is the wire-level ACSSTerm event: "the sending replica observed
// that party's share distribution terminated for instanceID", forwarded
// to the leader. The sender's id is not part of the message; the
// transport supplies it to HandleACSSTerm.
type Message struct {
	InstanceID int
	Party      int
}

// Delivery is emitted once this process has agreed on a party set for an
// instance, whether it is the leader or not.
type Delivery struct {
	InstanceID int
	Parties    []int
}

// Sender delivers a Message to replica `to`. Wired to wire.Transport by
// process; sending to SelfID short-circuits at that layer.
type Sender func(to int, msg Message)

// ibftState is the per-instance agreement state, created lazily on first
// relevant message and retained for the life of the process.
type ibftState struct {
	mu sync.Mutex

	// terminationSenders[party] is the set of distinct replicas that have
	// reported party's termination, making repeated reports idempotent.
	terminationSenders map[int]map[int]struct{}
	consensusInpSet    map[int]struct{}
	broadcastStarted   bool
	consensusOut       []int
}

func newIBFTState() *ibftState {
	return &ibftState{
		terminationSenders: make(map[int]map[int]struct{}),
		consensusInpSet:    make(map[int]struct{}),
	}
}

// Protocol runs one process's share of the agreement layer across
// arbitrarily many concurrent instances, keyed by instance id. Instance
// ids are shared with the underlying CTRBC instance used to broadcast the
// frozen consensus set, so the same id threads through both layers.
type Protocol struct {
	N, T               int
	SelfID             int
	LeaderID           int
	ConsensusThreshold int
	Send               Sender
	CTRBC              *ctrbc.Protocol
	Out                chan Delivery

	mu        sync.Mutex
	instances map[int]*ibftState
}

// New builds a Protocol. ctrbcProto is the shared CTRBC instance the
// leader broadcasts the frozen consensus set through; every process must
// also feed that same CTRBC instance's deliveries back into
// HandleCTRBCDelivery.
func New(n, t, selfID, leaderID, consensusThreshold int, send Sender, ctrbcProto *ctrbc.Protocol) *Protocol {
	return &Protocol{
		N:                  n,
		T:                  t,
		SelfID:             selfID,
		LeaderID:           leaderID,
		ConsensusThreshold: consensusThreshold,
		Send:               send,
		CTRBC:              ctrbcProto,
		Out:                make(chan Delivery, n),
		instances:          make(map[int]*ibftState),
	}
}

func (p *Protocol) instance(id int) *ibftState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.instances[id]
	if !ok {
		s = newIBFTState()
		p.instances[id] = s
		metrics.SetInstancesActive("agreement", len(p.instances))
	}
	return s
}

// ReportTermination is called by the layer above (the process runtime,
// watching its local ACSS/dealer termination events) when this replica
// independently observes that party's distribution has terminated for
// instanceID. It forwards an ACSSTerm event to the leader, including
// when this replica is itself the leader, matching the reference
// implementation's uniform send-then-self-process path.
func (p *Protocol) ReportTermination(instanceID, party int) {
	log.DefaultLogger().Debugw("agreement: reporting termination to leader", "leader", p.LeaderID, "party", party, "instance", instanceID)
	p.Send(p.LeaderID, Message{InstanceID: instanceID, Party: party})
	metrics.MessagesSent.WithLabelValues("agreement", "acssterm").Inc()
}

// HandleACSSTerm processes an inbound ACSSTerm event from sender,
// reporting that party's distribution terminated for instanceID.
// Duplicate reports for the same (instanceID, party, sender) are
// idempotent. Only the leader acts on consensus_threshold; a non-leader
// that receives reports tracks the counts the same way, but nothing reads
// them (HandleCTRBCDelivery does not check the delivered set against
// them).
func (p *Protocol) HandleACSSTerm(instanceID, party, sender int) {
	metrics.MessagesReceived.WithLabelValues("agreement", "acssterm").Inc()

	s := p.instance(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, already := s.consensusInpSet[party]; already {
		log.DefaultLogger().Debugw("agreement: party already in consensus input, ignoring duplicate", "party", party)
		return
	}

	senders, ok := s.terminationSenders[party]
	if !ok {
		senders = make(map[int]struct{})
		s.terminationSenders[party] = senders
	}
	senders[sender] = struct{}{}

	if len(senders) >= p.N-p.T {
		s.consensusInpSet[party] = struct{}{}
	}

	if len(s.consensusInpSet) >= p.ConsensusThreshold && p.SelfID == p.LeaderID && !s.broadcastStarted {
		parties := sortedParties(s.consensusInpSet)
		payload, err := encodeParties(parties)
		if err != nil {
			log.DefaultLogger().Errorw("agreement: failed to encode consensus set", "err", err)
			return
		}
		s.broadcastStarted = true
		log.DefaultLogger().Debugw("agreement: consensus threshold reached, broadcasting via ctrbc", "instance", instanceID, "parties", parties)
		metrics.Terminations.WithLabelValues("agreement-broadcast-started").Inc()
		p.CTRBC.StartInit(instanceID, payload)
	}
}

// HandleCTRBCDelivery processes a CTRBC delivery for the shared broadcast
// instance: every process (leader and non-leaders alike) decodes the
// agreed party set and emits it on Out.
func (p *Protocol) HandleCTRBCDelivery(d ctrbc.Delivery) {
	parties, err := decodeParties(d.Message)
	if err != nil {
		log.DefaultLogger().Errorw("agreement: failed to decode ctrbc-delivered consensus set", "err", err)
		return
	}

	s := p.instance(d.InstanceID)
	s.mu.Lock()
	s.consensusOut = parties
	s.mu.Unlock()

	metrics.Terminations.WithLabelValues("agreement").Inc()
	p.Out <- Delivery{InstanceID: d.InstanceID, Parties: parties}
}

func sortedParties(set map[int]struct{}) []int {
	parties := make([]int, 0, len(set))
	for p := range set {
		parties = append(parties, p)
	}
	sort.Ints(parties)
	return parties
}

func encodeParties(parties []int) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(parties); err != nil {
		return nil, fmt.Errorf("agreement: encode party set: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeParties(payload []byte) ([]int, error) {
	var parties []int
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&parties); err != nil {
		return nil, fmt.Errorf("agreement: decode party set: %w", err)
	}
	return parties, nil
}
