// Package wire implements the authenticated wire envelope and the raw
// length-prefixed TCP transport the broadcast and agreement protocols
// exchange messages over (not gRPC/libp2p — see SPEC_FULL.md's domain
// stack for why those are out of scope here).
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// WrapperMsg is the authenticated envelope every protocol message travels
// in: an opaque gob-encoded payload, the sender's id, and a keyed MAC over
// both.
type WrapperMsg struct {
	Payload []byte
	Sender  int
	MAC     []byte
}

// NewWrapperMsg gob-encodes msg and authenticates it under key for sender.
func NewWrapperMsg(msg interface{}, sender int, key []byte) (*WrapperMsg, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	payload := buf.Bytes()
	return &WrapperMsg{
		Payload: payload,
		Sender:  sender,
		MAC:     computeMAC(payload, sender, key),
	}, nil
}

// Verify recomputes the MAC over the envelope's payload and sender under
// key and compares it to the carried MAC.
func (w *WrapperMsg) Verify(key []byte) bool {
	expected := computeMAC(w.Payload, w.Sender, key)
	return bytes.Equal(expected, w.MAC)
}

// Decode gob-decodes the envelope's payload into out.
func (w *WrapperMsg) Decode(out interface{}) error {
	return gob.NewDecoder(bytes.NewReader(w.Payload)).Decode(out)
}

func encodeWrapperMsg(msg *WrapperMsg) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeWrapperMsg(body []byte) (*WrapperMsg, error) {
	var msg WrapperMsg
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return &msg, nil
}

func computeMAC(payload []byte, sender int, key []byte) []byte {
	h, _ := blake2b.New256(key)
	h.Write(payload)
	var senderBytes [8]byte
	for i := 0; i < 8; i++ {
		senderBytes[i] = byte(sender >> (8 * i))
	}
	h.Write(senderBytes[:])
	return h.Sum(nil)
}
