package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// hub is the process-wide namespace of inproc:// addresses, the equivalent of
// a shared messaging context.
type hub struct {
	mu      sync.Mutex
	brokers map[string]*inprocBroker
}

var defaultHub = &hub{brokers: make(map[string]*inprocBroker)}

func (h *hub) listen(name string) (Broker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.brokers[name]; ok {
		return nil, fmt.Errorf("%w: inproc://%s", ErrAddressInUse, name)
	}
	b := &inprocBroker{
		hub:   h,
		name:  name,
		inbox: make(chan [][]byte, queueSize),
		peers: make(map[string]*inprocPeer),
		done:  make(chan struct{}),
	}
	h.brokers[name] = b
	return b, nil
}

func (h *hub) dial(name, identity string) (Peer, error) {
	h.mu.Lock()
	b := h.brokers[name]
	h.mu.Unlock()
	if b == nil {
		return nil, fmt.Errorf("%w: inproc://%s", ErrNoListener, name)
	}
	p := &inprocPeer{
		broker:   b,
		identity: identity,
		inbox:    make(chan [][]byte, queueSize),
		done:     make(chan struct{}),
	}
	if err := b.attach(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (h *hub) release(b *inprocBroker) {
	h.mu.Lock()
	if h.brokers[b.name] == b {
		delete(h.brokers, b.name)
	}
	h.mu.Unlock()
}

type inprocBroker struct {
	hub   *hub
	name  string
	inbox chan [][]byte

	mu    sync.Mutex
	peers map[string]*inprocPeer

	done      chan struct{}
	closeOnce sync.Once
}

func (b *inprocBroker) Addr() string { return SchemeInproc + "://" + b.name }

func (b *inprocBroker) Recv(timeout time.Duration) ([][]byte, error) {
	return recvFrom(b.inbox, b.done, timeout)
}

func (b *inprocBroker) Send(identity string, frames ...[]byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.mu.Lock()
	p := b.peers[identity]
	b.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnroutable, identity)
	}
	return deliver(p.inbox, p.done, copyFrames(nil, frames))
}

func (b *inprocBroker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.hub.release(b)
	})
	return nil
}

// attach registers p. A second peer with the same identity takes over the
// route from the first.
func (b *inprocBroker) attach(p *inprocPeer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.peers[p.identity] = p
	return nil
}

func (b *inprocBroker) detach(p *inprocPeer) {
	b.mu.Lock()
	if b.peers[p.identity] == p {
		delete(b.peers, p.identity)
	}
	b.mu.Unlock()
}

type inprocPeer struct {
	broker   *inprocBroker
	identity string
	inbox    chan [][]byte

	done      chan struct{}
	closeOnce sync.Once
}

func (p *inprocPeer) Identity() string { return p.identity }

// Recv drains queued messages before reporting a closed broker.
func (p *inprocPeer) Recv(timeout time.Duration) ([][]byte, error) {
	m, err := recvFrom(p.inbox, p.done, timeout)
	if errors.Is(err, ErrTimeout) {
		select {
		case <-p.broker.done:
			return nil, ErrClosed
		default:
		}
	}
	return m, err
}

func (p *inprocPeer) Send(frames ...[]byte) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.broker.done:
		return ErrClosed
	default:
	}
	return deliver(p.broker.inbox, p.broker.done, copyFrames([]byte(p.identity), frames))
}

func (p *inprocPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.broker.detach(p)
	})
	return nil
}

// recvFrom treats a closed ch like a closed socket.
func recvFrom(ch <-chan [][]byte, done <-chan struct{}, timeout time.Duration) ([][]byte, error) {
	select {
	case m, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return m, nil
	case <-done:
		return nil, ErrClosed
	default:
	}
	if timeout <= 0 {
		return nil, ErrTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return m, nil
	case <-done:
		return nil, ErrClosed
	case <-t.C:
		return nil, ErrTimeout
	}
}

func deliver(ch chan<- [][]byte, done <-chan struct{}, msg [][]byte) error {
	select {
	case ch <- msg:
		return nil
	default:
	}
	t := time.NewTimer(sendTimeout)
	defer t.Stop()
	select {
	case ch <- msg:
		return nil
	case <-done:
		return ErrClosed
	case <-t.C:
		return ErrTimeout
	}
}
