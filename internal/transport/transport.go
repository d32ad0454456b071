// Package transport provides identity-addressed, many-to-one asynchronous
// message delivery between a manager's broker socket and the peer sockets of
// its worker units.
//
// Two address schemes are supported:
//
//	inproc://<name>     goroutines in the same process (buffered channels)
//	tcp://<host>:<port> any process, over a gRPC bidirectional stream
//
// A Broker receives every message with the sending peer's identity prepended
// as frame 0 and can address a message to any connected peer by identity.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAddressInUse      = errors.New("transport: address already in use")
	ErrClosed            = errors.New("transport: socket closed")
	ErrTimeout           = errors.New("transport: timed out")
	ErrUnroutable        = errors.New("transport: no peer with that identity")
	ErrNoListener        = errors.New("transport: nothing bound at address")
	ErrUnsupportedScheme = errors.New("transport: unsupported address scheme")
)

const (
	SchemeInproc = "inproc"
	SchemeTCP    = "tcp"

	// sendTimeout bounds how long a send may wait on a full receive queue.
	sendTimeout = time.Second
	queueSize   = 1024
)

// Broker is the manager-owned endpoint.
type Broker interface {
	// Recv waits up to timeout for one message. Frame 0 is the sender identity.
	// It returns ErrTimeout when nothing arrived.
	Recv(timeout time.Duration) ([][]byte, error)
	// Send delivers frames to the peer connected with identity.
	Send(identity string, frames ...[]byte) error
	// Addr is the address peers should dial. For tcp://host:0 it carries the
	// port actually bound.
	Addr() string
	Close() error
}

// Peer is a worker unit's endpoint, bound to a stable identity.
type Peer interface {
	Identity() string
	// Recv waits up to timeout for one message addressed to this peer.
	Recv(timeout time.Duration) ([][]byte, error)
	Send(frames ...[]byte) error
	Close() error
}

// ListenFunc binds a broker; it lets callers substitute the transport.
type ListenFunc func(addr string) (Broker, error)

// DialFunc connects a peer; it lets callers substitute the transport.
type DialFunc func(ctx context.Context, addr, identity string) (Peer, error)

// SplitAddr returns the scheme and scheme-specific part of addr.
func SplitAddr(addr string) (scheme, rest string, err error) {
	i := strings.Index(addr, "://")
	if i <= 0 {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, addr)
	}
	scheme, rest = addr[:i], addr[i+3:]
	if rest == "" {
		return "", "", fmt.Errorf("transport: empty endpoint in %q", addr)
	}
	switch scheme {
	case SchemeInproc, SchemeTCP:
		return scheme, rest, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// Listen binds a broker at addr.
func Listen(addr string) (Broker, error) {
	scheme, rest, err := SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case SchemeInproc:
		return defaultHub.listen(rest)
	default:
		return listenGRPC(rest)
	}
}

// Dial connects a peer with the given identity to the broker at addr.
func Dial(ctx context.Context, addr, identity string) (Peer, error) {
	if identity == "" {
		return nil, errors.New("transport: empty identity")
	}
	scheme, rest, err := SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case SchemeInproc:
		return defaultHub.dial(rest, identity)
	default:
		return dialGRPC(ctx, rest, identity)
	}
}

// copyFrames prefixes frames with head without aliasing the caller's slice.
func copyFrames(head []byte, frames [][]byte) [][]byte {
	out := make([][]byte, 0, len(frames)+1)
	if head != nil {
		out = append(out, head)
	}
	return append(out, frames...)
}
