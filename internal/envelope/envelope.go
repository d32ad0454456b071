// Package envelope implements the frame protocol exchanged between the
// manager's broker socket and the peer sockets of worker units.
//
// A message received by the broker carries three frames:
//
//	[sender identity, destination, CBOR payload]
//
// The sender identity is added by the transport; units only ever send the two
// trailing frames produced by Encode. Messages travelling the other way carry a
// command tag instead of a destination: ["SERVICE", "STOP"] or
// ["IMPLEMENTATION", CBOR payload].
package envelope

import (
	"errors"
	"fmt"
)

// Reserved frame values.
const (
	DestManager = "MANAGER"
	DestOwner   = "PARENT"

	TagState          = "STATE"
	TagService        = "SERVICE"
	TagStop           = "STOP"
	TagImplementation = "IMPLEMENTATION"
)

var (
	ErrMalformedFrames  = errors.New("envelope: malformed frames")
	ErrMalformedPayload = errors.New("envelope: malformed payload")
)

// Kind classifies a destination frame.
type Kind int

const (
	// KindUnit addresses a worker unit by identity.
	KindUnit Kind = iota
	// KindManager is control-plane traffic consumed by the manager itself.
	KindManager
	// KindOwner is data-plane traffic for whatever embeds the manager.
	KindOwner
)

func (k Kind) String() string {
	switch k {
	case KindUnit:
		return "unit"
	case KindManager:
		return "manager"
	case KindOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// Destination is the parsed form of a destination frame.
type Destination struct {
	Kind Kind
	Name string
}

// Manager addresses the control plane itself.
func Manager() Destination { return Destination{Kind: KindManager, Name: DestManager} }

// Owner addresses whoever drives the Manager; data-plane traffic goes here.
func Owner() Destination { return Destination{Kind: KindOwner, Name: DestOwner} }

// Unit addresses a worker unit. The reserved names still map to their own kinds.
func Unit(name string) Destination { return ParseDestination(name) }

// ParseDestination maps a raw destination frame onto its kind.
func ParseDestination(s string) Destination {
	switch s {
	case DestManager:
		return Manager()
	case DestOwner:
		return Owner()
	default:
		return Destination{Kind: KindUnit, Name: s}
	}
}

func (d Destination) String() string { return d.Name }

// Envelope is a decoded message as seen by the broker.
type Envelope struct {
	Sender      string
	Destination Destination
	Payload     []byte
}

// Encode produces the two frames a unit sends: the destination, verbatim, and
// the CBOR-encoded payload.
func Encode(dest Destination, payload any) ([][]byte, error) {
	if dest.Name == "" {
		return nil, fmt.Errorf("%w: empty destination", ErrMalformedFrames)
	}
	body, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return [][]byte{[]byte(dest.Name), body}, nil
}

// Decode splits a broker-side message into its envelope. The payload is left
// encoded; control payloads are decoded separately with DecodeControl.
func Decode(frames [][]byte) (Envelope, error) {
	if len(frames) != 3 {
		return Envelope{}, fmt.Errorf("%w: want 3 frames, got %d", ErrMalformedFrames, len(frames))
	}
	if len(frames[0]) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty sender", ErrMalformedFrames)
	}
	if len(frames[1]) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty destination", ErrMalformedFrames)
	}
	return Envelope{
		Sender:      string(frames[0]),
		Destination: ParseDestination(string(frames[1])),
		Payload:     frames[2],
	}, nil
}
