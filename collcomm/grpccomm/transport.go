// Package grpccomm implements a collcomm.Transport over
// gRPC, for running one worker per process.
package grpccomm

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/unixpickle/dist-train/collcomm"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"
)

// ErrClosed is returned by Send and Recv after Close.
var ErrClosed = errors.New("transport closed")

// An Option configures a Transport.
type Option func(t *Transport)

// WithDialTimeout limits how long a send waits for the
// destination to come up. Zero means forever.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.dialTimeout = d
	}
}

// DefaultMaxMsgSize is the default limit on the encoded
// size of a packet, enough for 64Mi float64 values.
const DefaultMaxMsgSize = 512 << 20

// WithMaxMsgSize limits the encoded size of packets, in
// bytes, in both directions.
func WithMaxMsgSize(n int) Option {
	return func(t *Transport) {
		t.maxMsgSize = n
	}
}

// Transport delivers packets between worker processes.
//
// Each worker runs a server on its own address and sends
// packets to peers with unary calls. Received packets are
// queued without bound, so Send never waits for the
// destination's worker to call Recv.
type Transport struct {
	rank        int
	peers       []string
	dialTimeout time.Duration
	maxMsgSize  int

	server *grpc.Server
	group  errgroup.Group

	connLock sync.Mutex
	conns    []*grpc.ClientConn

	inboxLock sync.Mutex
	inbox     []*collcomm.Packet
	notify    chan struct{}
	closed    bool
}

// Listen opens a listener on peers[rank] and creates a
// Transport on it.
func Listen(rank int, peers []string, opts ...Option) (*Transport, error) {
	if rank < 0 || rank >= len(peers) {
		return nil, errors.Errorf("rank %d out of range for %d peers", rank, len(peers))
	}
	lis, err := net.Listen("tcp", peers[rank])
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", peers[rank])
	}
	return New(rank, lis, peers, opts...)
}

// New creates a Transport that serves on lis.
//
// The peers slice lists the address of every worker,
// indexed by rank.
func New(rank int, lis net.Listener, peers []string, opts ...Option) (*Transport, error) {
	if rank < 0 || rank >= len(peers) {
		return nil, errors.Errorf("rank %d out of range for %d peers", rank, len(peers))
	}
	t := &Transport{
		rank:   rank,
		peers:  append([]string{}, peers...),
		conns:  make([]*grpc.ClientConn, len(peers)),
		notify: make(chan struct{}, 1),

		maxMsgSize: DefaultMaxMsgSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.server = grpc.NewServer(
		grpc.ForceServerCodec(codec{}),
		grpc.MaxRecvMsgSize(t.maxMsgSize),
		grpc.MaxSendMsgSize(t.maxMsgSize),
	)
	t.server.RegisterService(&transportServiceDesc, t)
	t.group.Go(func() error {
		if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return errors.Wrap(err, "serve")
		}
		return nil
	})
	klog.V(1).Infof("rank %d: serving transport on %s", rank, lis.Addr())
	return t, nil
}

// Rank returns the current worker's rank.
func (t *Transport) Rank() int {
	return t.rank
}

// Size returns the number of workers.
func (t *Transport) Size() int {
	return len(t.peers)
}

// Send delivers a packet to a worker.
//
// It returns once the destination has queued the packet.
func (t *Transport) Send(dst int, p *collcomm.Packet) error {
	if dst == t.rank {
		_, err := t.Deliver(context.Background(), p)
		return err
	}
	conn, err := t.conn(dst)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if t.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
	}
	err = conn.Invoke(ctx, deliverMethod, p, &ack{}, grpc.WaitForReady(true))
	return errors.Wrapf(err, "deliver to %s", t.peers[dst])
}

// Recv waits for the next packet.
func (t *Transport) Recv() (*collcomm.Packet, error) {
	for {
		t.inboxLock.Lock()
		if len(t.inbox) > 0 {
			p := t.inbox[0]
			t.inbox[0] = nil
			t.inbox = t.inbox[1:]
			t.inboxLock.Unlock()
			return p, nil
		}
		closed := t.closed
		t.inboxLock.Unlock()
		if closed {
			return nil, ErrClosed
		}
		<-t.notify
	}
}

// Deliver queues an incoming packet.
func (t *Transport) Deliver(ctx context.Context, p *collcomm.Packet) (*ack, error) {
	t.inboxLock.Lock()
	defer t.inboxLock.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.inbox = append(t.inbox, p)
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return &ack{}, nil
}

// Close stops the server, closes client connections, and
// wakes up any pending Recv.
func (t *Transport) Close() error {
	t.inboxLock.Lock()
	t.closed = true
	t.inboxLock.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}

	t.server.Stop()
	serveErr := t.group.Wait()

	t.connLock.Lock()
	defer t.connLock.Unlock()
	var connErr error
	for i, conn := range t.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && connErr == nil {
			connErr = errors.Wrapf(err, "close connection to %s", t.peers[i])
		}
		t.conns[i] = nil
	}
	if serveErr != nil {
		return serveErr
	}
	return connErr
}

func (t *Transport) conn(dst int) (*grpc.ClientConn, error) {
	t.connLock.Lock()
	defer t.connLock.Unlock()
	if t.conns[dst] != nil {
		return t.conns[dst], nil
	}
	conn, err := grpc.NewClient(
		t.peers[dst],
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(codec{}),
			grpc.MaxCallRecvMsgSize(t.maxMsgSize),
			grpc.MaxCallSendMsgSize(t.maxMsgSize),
		),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to rank %d at %s", dst, t.peers[dst])
	}
	t.conns[dst] = conn
	return conn, nil
}
