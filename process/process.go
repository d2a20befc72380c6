// Package process wires the field/merkle/erasure-backed CTRBC and CCBRB
// broadcast engines together with the agreement layer into a single
// runtime: one TCP listener per subsystem port (spec.md §6's RBC/RA
// offsets from the consensus base port), a single-threaded dispatch loop
// over the protocol-output and exit channels (spec.md §5), and the glue a
// client-facing "broadcast" request needs to reach CTRBC. Inbound network
// messages are handled on the transports' per-connection goroutines, not
// in the dispatch loop.
package process

import (
	"fmt"
	"net"
	"strconv"

	"github.com/drand/rbc/agreement"
	"github.com/drand/rbc/config"
	"github.com/drand/rbc/log"
	"github.com/drand/rbc/rbc/ccbrb"
	"github.com/drand/rbc/rbc/ctrbc"
	"github.com/drand/rbc/wire"
)

// Port offsets from the consensus base port named in spec.md §6. ASKS is
// the offset an Asynchronous Complete Secret Sharing layer would bind to;
// this repository implements no ACSS (spec.md scopes it out — see
// DESIGN.md), so asksPortOffset is reserved but never dialed.
const (
	rbcPortOffset  = 150
	raPortOffset   = 300
	asksPortOffset = 450
)

// rbcKind tags which of the two CTRBC instance spaces (or CCBRB) an
// rbcEnvelope's payload belongs to. Application broadcasts and the
// agreement layer's own consensus-set broadcast both run over CTRBC but
// must not share one instance id space — see DESIGN.md's process/
// section — so they run as two independent ctrbc.Protocol values
// multiplexed over the same wire listener.
type rbcKind int

const (
	kindAppCTRBC rbcKind = iota
	kindAgreementCTRBC
	kindCCBRB
)

// rbcEnvelope multiplexes application CTRBC, agreement-internal CTRBC and
// CCBRB messages onto the single RBC listener: spec.md groups every
// broadcast engine under the same "RBC" port offset.
type rbcEnvelope struct {
	Kind  rbcKind
	CTRBC *ctrbc.Message
	CCBRB *ccbrb.Message
}

// Delivery is emitted once this process has agreed, for some instance,
// on the set of parties whose broadcasts are to be taken as input —
// spec.md §6's agreement output channel, re-exported here so callers
// don't need to import package agreement directly.
type Delivery = agreement.Delivery

// PayloadDelivery is emitted for every application-level CTRBC/CCBRB
// broadcast this node terminates, independent of agreement.
type PayloadDelivery struct {
	Engine     string // "ctrbc" or "ccbrb"
	InstanceID int
	Origin     int
	Message    []byte
}

// Node runs one replica's full share of the system: an application-facing
// CTRBC engine, a CCBRB engine, an agreement-internal CTRBC engine
// dedicated to the leader's consensus-set broadcast, and the agreement
// layer itself, each driven by one of two transports (RBC, RA), composed
// by a single dispatch loop per spec.md §5's single-threaded event-loop
// model.
type Node struct {
	cfg  *config.Config
	keys map[int][]byte

	CTRBC          *ctrbc.Protocol
	CCBRB          *ccbrb.Protocol
	agreementCTRBC *ctrbc.Protocol
	Agreement      *agreement.Protocol

	rbcTransport *wire.Transport
	raTransport  *wire.Transport

	// Threshold is the number of concurrent broadcast "slots" instance
	// ids are divided into, per spec.md §6's ctrbc_out mapping
	// slot = id mod threshold, party = id / threshold.
	threshold int

	Out        chan Delivery
	PayloadOut chan PayloadDelivery

	exit chan struct{}
}

// New builds a Node from cfg, wiring CTRBC, CCBRB and agreement onto two
// peer tables whose addresses are cfg's net_map shifted by the RBC and RA
// port offsets.
func New(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("process: invalid config: %w", err)
	}

	basePeers, err := cfg.PeerTable()
	if err != nil {
		return nil, fmt.Errorf("process: build peer table: %w", err)
	}

	rbcPeers, err := offsetPeerTable(basePeers, rbcPortOffset)
	if err != nil {
		return nil, fmt.Errorf("process: offset rbc peer table: %w", err)
	}
	raPeers, err := offsetPeerTable(basePeers, raPortOffset)
	if err != nil {
		return nil, fmt.Errorf("process: offset ra peer table: %w", err)
	}

	n := &Node{
		cfg:          cfg,
		keys:         basePeers.Keys,
		rbcTransport: wire.NewTransport(rbcPeers),
		raTransport:  wire.NewTransport(raPeers),
		threshold:    cfg.Threshold,
		Out:          make(chan Delivery, cfg.N),
		PayloadOut:   make(chan PayloadDelivery, cfg.N),
		exit:         make(chan struct{}),
	}

	n.CTRBC = ctrbc.New(cfg.N, cfg.T, cfg.ID, func(to int, msg ctrbc.Message) {
		n.sendRBC(to, rbcEnvelope{Kind: kindAppCTRBC, CTRBC: &msg})
	})
	n.CCBRB = ccbrb.New(cfg.N, cfg.T, cfg.ID, func(to int, msg ccbrb.Message) {
		n.sendRBC(to, rbcEnvelope{Kind: kindCCBRB, CCBRB: &msg})
	})
	n.agreementCTRBC = ctrbc.New(cfg.N, cfg.T, cfg.ID, func(to int, msg ctrbc.Message) {
		n.sendRBC(to, rbcEnvelope{Kind: kindAgreementCTRBC, CTRBC: &msg})
	})
	n.Agreement = agreement.New(cfg.N, cfg.T, cfg.ID, cfg.LeaderID, cfg.ConsensusThreshold, func(to int, msg agreement.Message) {
		n.sendRA(to, msg)
	}, n.agreementCTRBC)

	return n, nil
}

// offsetPeerTable rebuilds peers with every address's port shifted by
// offset, keeping the same host.
func offsetPeerTable(peers wire.PeerTable, offset int) (wire.PeerTable, error) {
	addrs := make(map[int]string, len(peers.Addresses))
	for id, addr := range peers.Addresses {
		shifted, err := shiftPort(addr, offset)
		if err != nil {
			return wire.PeerTable{}, fmt.Errorf("peer %d: %w", id, err)
		}
		addrs[id] = shifted
	}
	return wire.PeerTable{ID: peers.ID, Addresses: addrs, Keys: peers.Keys}, nil
}

func shiftPort(addr string, offset int) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("split %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("parse port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+offset)), nil
}

func (n *Node) sendRBC(to int, env rbcEnvelope) {
	n.send(n.rbcTransport, to, env)
}

func (n *Node) sendRA(to int, msg agreement.Message) {
	n.send(n.raTransport, to, msg)
}

// send MACs payload with the pairwise secret this replica shares with to
// (spec.md §3/§4.1: sec_key_map[receiver]), not with any key keyed by this
// replica's own id — the two only coincide if the deployment's sk_map
// were not actually pairwise.
func (n *Node) send(t *wire.Transport, to int, payload interface{}) {
	wrapped, err := wire.NewWrapperMsg(payload, n.cfg.ID, n.peerKey(to))
	if err != nil {
		log.DefaultLogger().Errorw("process: failed to wrap outbound message", "to", to, "err", err)
		return
	}
	if _, err := t.Send(to, wrapped); err != nil {
		log.DefaultLogger().Warnw("process: send failed", "to", to, "err", err)
	}
}

func (n *Node) peerKey(id int) []byte {
	return n.keys[id]
}

// Listen starts both subsystem listeners and the dispatch loop in
// background goroutines and returns immediately; listener errors (e.g. a
// port already bound) are logged rather than returned, since
// wire.Transport.Listen blocks for the life of the listener and this
// node otherwise runs indefinitely until Close.
func (n *Node) Listen() error {
	rbcAddr, err := shiftPort(n.cfg.NetMap[strconv.Itoa(n.cfg.ID)], rbcPortOffset)
	if err != nil {
		return fmt.Errorf("process: rbc listen addr: %w", err)
	}
	raAddr, err := shiftPort(n.cfg.NetMap[strconv.Itoa(n.cfg.ID)], raPortOffset)
	if err != nil {
		return fmt.Errorf("process: ra listen addr: %w", err)
	}

	go func() {
		if err := n.rbcTransport.Listen(rbcAddr, n.handleRBCInbound); err != nil {
			log.DefaultLogger().Errorw("process: rbc listener stopped", "err", err)
		}
	}()
	go func() {
		if err := n.raTransport.Listen(raAddr, n.handleRAInbound); err != nil {
			log.DefaultLogger().Errorw("process: ra listener stopped", "err", err)
		}
	}()

	go n.dispatch()

	return nil
}

func (n *Node) handleRBCInbound(w *wire.WrapperMsg) {
	if !w.Verify(n.peerKey(w.Sender)) {
		log.DefaultLogger().Warnw("process: dropping rbc message with bad mac", "sender", w.Sender)
		return
	}
	var env rbcEnvelope
	if err := w.Decode(&env); err != nil {
		log.DefaultLogger().Errorw("process: failed to decode rbc envelope", "err", err)
		return
	}
	switch env.Kind {
	case kindAppCTRBC:
		if env.CTRBC != nil {
			dispatchCTRBC(n.CTRBC, *env.CTRBC)
		}
	case kindAgreementCTRBC:
		if env.CTRBC != nil {
			dispatchCTRBC(n.agreementCTRBC, *env.CTRBC)
		}
	case kindCCBRB:
		if env.CCBRB != nil {
			dispatchCCBRB(n.CCBRB, *env.CCBRB)
		}
	}
}

func (n *Node) handleRAInbound(w *wire.WrapperMsg) {
	if !w.Verify(n.peerKey(w.Sender)) {
		log.DefaultLogger().Warnw("process: dropping ra message with bad mac", "sender", w.Sender)
		return
	}
	var msg agreement.Message
	if err := w.Decode(&msg); err != nil {
		log.DefaultLogger().Errorw("process: failed to decode agreement message", "err", err)
		return
	}
	n.Agreement.HandleACSSTerm(msg.InstanceID, msg.Party, w.Sender)
}

func dispatchCTRBC(p *ctrbc.Protocol, msg ctrbc.Message) {
	switch msg.Type {
	case ctrbc.MsgInit:
		p.HandleInit(msg.InstanceID, msg.CTRBC)
	case ctrbc.MsgEcho:
		p.HandleEcho(msg.InstanceID, msg.CTRBC, msg.From)
	case ctrbc.MsgReady:
		p.HandleReady(msg.InstanceID, msg.CTRBC, msg.From)
	}
}

func dispatchCCBRB(p *ccbrb.Protocol, msg ccbrb.Message) {
	switch msg.Type {
	case ccbrb.MsgInit:
		if msg.Init != nil {
			p.HandleInit(msg.InstanceID, *msg.Init)
		}
	case ccbrb.MsgEcho:
		if msg.Echo != nil {
			p.HandleEcho(msg.InstanceID, *msg.Echo)
		}
	case ccbrb.MsgReady:
		if msg.Ready != nil {
			p.HandleReady(msg.InstanceID, *msg.Ready)
		}
	}
}

// slotParty maps an instance id onto spec.md §6's ctrbc_out shape:
// slot = id mod threshold, party = id / threshold.
func slotParty(instanceID, threshold int) (slot, party int) {
	if threshold == 0 {
		return instanceID, 0
	}
	return instanceID % threshold, instanceID / threshold
}

// Broadcast submits msg as a new application-level CTRBC instance under
// instanceID.
func (n *Node) Broadcast(instanceID int, msg []byte) {
	n.CTRBC.StartInit(instanceID, msg)
}

// ReportTermination forwards a locally-observed per-party termination
// event into the agreement layer. Callers sit above process (e.g. an
// ACSS/dealer layer this repository does not implement, or a test) and
// decide when a party's distribution has terminated;
// process only carries the event through to the leader.
func (n *Node) ReportTermination(instanceID, party int) {
	n.Agreement.ReportTermination(instanceID, party)
}

// dispatch is the single-threaded loop of spec.md §5: it serializes
// every application CTRBC/CCBRB delivery (forwarded to PayloadOut, with
// its (slot, party) decomposition available via SlotParty) and every
// agreement delivery (forwarded to Out) against the exit channel, so no
// two of these observe interleaved intermediate state.
func (n *Node) dispatch() {
	for {
		select {
		case <-n.exit:
			return
		case d := <-n.CTRBC.Out:
			n.PayloadOut <- PayloadDelivery{Engine: "ctrbc", InstanceID: d.InstanceID, Origin: d.Origin, Message: d.Message}
		case d := <-n.CCBRB.Out:
			n.PayloadOut <- PayloadDelivery{Engine: "ccbrb", InstanceID: d.InstanceID, Origin: d.Origin, Message: d.Message}
		case d := <-n.agreementCTRBC.Out:
			n.Agreement.HandleCTRBCDelivery(d)
		case d := <-n.Agreement.Out:
			n.Out <- d
		}
	}
}

// SlotParty exposes slotParty for callers decoding a PayloadDelivery's
// instance id per spec.md §6.
func (n *Node) SlotParty(instanceID int) (slot, party int) {
	return slotParty(instanceID, n.threshold)
}

// Close tears down both transports and stops the dispatch loop.
func (n *Node) Close() error {
	close(n.exit)
	rbcErr := n.rbcTransport.Close()
	raErr := n.raTransport.Close()
	if rbcErr != nil {
		return rbcErr
	}
	return raErr
}
