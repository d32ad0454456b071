package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/loykin/svcplane/internal/envelope"
)

const (
	identityKey   = "x-svcplane-identity"
	connectMethod = "/svcplane.transport.Broker/Connect"

	// closeTimeout bounds how long a closing peer waits for the broker to
	// acknowledge the end of its stream.
	closeTimeout = time.Second
)

// frameSet is one multi-frame message on the wire.
type frameSet struct {
	Frames [][]byte `cbor:"1,keyasint"`
}

// cborCodec lets the gRPC stream carry frameSets without generated protobuf
// types.
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return envelope.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return envelope.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return "cbor" }

var brokerDesc = grpc.ServiceDesc{
	ServiceName: "svcplane.transport.Broker",
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "svcplane/transport",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(*grpcBroker).serve(stream)
}

type grpcBroker struct {
	lis   net.Listener
	srv   *grpc.Server
	inbox chan [][]byte

	mu    sync.Mutex
	conns map[string]*grpcConn

	done      chan struct{}
	closeOnce sync.Once
}

type grpcConn struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (c *grpcConn) send(fs *frameSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.SendMsg(fs)
}

func listenGRPC(hostport string) (Broker, error) {
	lis, err := net.Listen("tcp", hostport)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: tcp://%s", ErrAddressInUse, hostport)
		}
		return nil, fmt.Errorf("transport: listen tcp://%s: %w", hostport, err)
	}
	b := &grpcBroker{
		lis:   lis,
		inbox: make(chan [][]byte, queueSize),
		conns: make(map[string]*grpcConn),
		done:  make(chan struct{}),
	}
	b.srv = grpc.NewServer(grpc.ForceServerCodec(cborCodec{}))
	b.srv.RegisterService(&brokerDesc, b)
	go func() { _ = b.srv.Serve(lis) }()
	return b, nil
}

// serve runs for the lifetime of one peer connection.
func (b *grpcBroker) serve(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	ids := md.Get(identityKey)
	if len(ids) == 0 || ids[0] == "" {
		return status.Error(codes.InvalidArgument, "missing peer identity")
	}
	id := ids[0]
	c := &grpcConn{stream: stream}
	b.mu.Lock()
	b.conns[id] = c
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.conns[id] == c {
			delete(b.conns, id)
		}
		b.mu.Unlock()
	}()

	for {
		var fs frameSet
		if err := stream.RecvMsg(&fs); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := deliver(b.inbox, b.done, copyFrames([]byte(id), fs.Frames)); errors.Is(err, ErrClosed) {
			return nil
		}
	}
}

func (b *grpcBroker) Addr() string { return SchemeTCP + "://" + b.lis.Addr().String() }

func (b *grpcBroker) Recv(timeout time.Duration) ([][]byte, error) {
	return recvFrom(b.inbox, b.done, timeout)
}

func (b *grpcBroker) Send(identity string, frames ...[]byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.mu.Lock()
	c := b.conns[identity]
	b.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnroutable, identity)
	}
	if err := c.send(&frameSet{Frames: frames}); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnroutable, identity, err)
	}
	return nil
}

func (b *grpcBroker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.srv.Stop()
	})
	return nil
}

type grpcPeer struct {
	identity string
	conn     *grpc.ClientConn
	stream   grpc.ClientStream
	cancel   context.CancelFunc

	// inbox is closed by readLoop when the stream ends.
	inbox    chan [][]byte
	readDone chan struct{}

	sendMu    sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func dialGRPC(ctx context.Context, hostport, identity string) (Peer, error) {
	conn, err := grpc.NewClient(hostport,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(cborCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp://%s: %w", hostport, err)
	}
	sctx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(context.Background(), identityKey, identity))
	// ctx bounds connection setup only; the stream lives until Close.
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(sctx, &brokerDesc.Streams[0], connectMethod, grpc.WaitForReady(true))
	stop()
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("transport: connect tcp://%s as %s: %w", hostport, identity, err)
	}
	p := &grpcPeer{
		identity: identity,
		conn:     conn,
		stream:   stream,
		cancel:   cancel,
		inbox:    make(chan [][]byte, queueSize),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *grpcPeer) readLoop() {
	defer close(p.readDone)
	defer close(p.inbox)
	for {
		var fs frameSet
		if err := p.stream.RecvMsg(&fs); err != nil {
			return
		}
		select {
		case p.inbox <- fs.Frames:
		case <-p.done:
		}
	}
}

func (p *grpcPeer) Identity() string { return p.identity }

func (p *grpcPeer) Recv(timeout time.Duration) ([][]byte, error) {
	return recvFrom(p.inbox, p.done, timeout)
}

func (p *grpcPeer) Send(frames ...[]byte) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.readDone:
		return ErrClosed
	default:
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.stream.SendMsg(&frameSet{Frames: frames}); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close half-closes the stream and waits briefly for the broker to drain it,
// so messages sent right before Close are not lost.
func (p *grpcPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.sendMu.Lock()
		_ = p.stream.CloseSend()
		p.sendMu.Unlock()
		t := time.NewTimer(closeTimeout)
		select {
		case <-p.readDone:
		case <-t.C:
		}
		t.Stop()
		p.cancel()
		err = p.conn.Close()
	})
	return err
}
