// Package memory is an in-process cluster transport for tests and single-binary demos.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/focused-crawler/internal/cluster"
	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

const inboxSize = 1024

// Network connects in-process coordinators.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*Coordinator
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Coordinator)}
}

// Config controls a memory coordinator.
type Config struct {
	Membership cluster.MembershipConfig
	// ReapInterval is how often liveness thresholds are applied; zero disables automatic reaping.
	ReapInterval time.Duration
}

// Join attaches a coordinator with the given id. An id already attached is replaced.
func (n *Network) Join(id string, cfg Config, clock crawler.Clock, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		id:         id,
		network:    n,
		membership: cluster.NewMembership(id, cfg.Membership, clock, logger),
		inbox:      make(chan cluster.Message, inboxSize),
		inbound:    make(chan cluster.Message, inboxSize),
		cancel:     cancel,
		stop:       ctx.Done(),
		logger:     logger.Named("memory-coordinator").With(zap.String("node", id)),
	}
	n.mu.Lock()
	if old, ok := n.nodes[id]; ok {
		old.detach()
	}
	n.nodes[id] = c
	n.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch(ctx)
	}()
	if cfg.ReapInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.membership.Run(ctx, cfg.ReapInterval)
		}()
	}
	return c
}

// Partition detaches id without a leave message, as if the node crashed.
func (n *Network) Partition(id string) {
	n.mu.Lock()
	c, ok := n.nodes[id]
	if ok {
		delete(n.nodes, id)
	}
	n.mu.Unlock()
	if ok {
		c.detach()
	}
}

func (n *Network) lookup(id string) (*Coordinator, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.nodes[id]
	return c, ok
}

func (n *Network) peers(except string) []*Coordinator {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Coordinator, 0, len(n.nodes))
	for id, c := range n.nodes {
		if id != except {
			out = append(out, c)
		}
	}
	return out
}

// Coordinator implements cluster.Coordinator over a Network.
type Coordinator struct {
	id         string
	network    *Network
	membership *cluster.Membership
	inbox      chan cluster.Message
	inbound    chan cluster.Message
	cancel     context.CancelFunc
	stop       <-chan struct{}
	logger     *zap.Logger
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ cluster.Coordinator = (*Coordinator)(nil)

// LocalID returns the coordinator's node id.
func (c *Coordinator) LocalID() string { return c.id }

// Membership exposes the local membership view, mainly so tests can reap on demand.
func (c *Coordinator) Membership() *cluster.Membership { return c.membership }

// Joins subscribes to node joins.
func (c *Coordinator) Joins(ctx context.Context) <-chan cluster.Node { return c.membership.Joins(ctx) }

// Departures subscribes to node departures.
func (c *Coordinator) Departures(ctx context.Context) <-chan cluster.Node {
	return c.membership.Departures(ctx)
}

// Events subscribes to joins and departures in order.
func (c *Coordinator) Events(ctx context.Context) <-chan cluster.MembershipEvent {
	return c.membership.Events(ctx)
}

// Nodes snapshots the membership view.
func (c *Coordinator) Nodes() []cluster.Node { return c.membership.Nodes() }

// Send delivers msg to nodeID's inbox.
func (c *Coordinator) Send(ctx context.Context, nodeID string, msg cluster.Message) error {
	if c.isClosed() {
		return cluster.ErrClosed
	}
	peer, ok := c.network.lookup(nodeID)
	if !ok {
		return fmt.Errorf("send to %s: %w", nodeID, cluster.ErrUnknownNode)
	}
	msg.From = c.id
	msg.To = nodeID
	return peer.deliver(ctx, msg)
}

// Broadcast delivers msg to every other attached node.
func (c *Coordinator) Broadcast(ctx context.Context, msg cluster.Message) error {
	if c.isClosed() {
		return cluster.ErrClosed
	}
	msg.From = c.id
	msg.To = ""
	for _, peer := range c.network.peers(c.id) {
		if err := peer.deliver(ctx, msg); err != nil && ctx.Err() != nil {
			return err
		}
	}
	return nil
}

// Receive yields inbound assign and result messages until ctx is done or the coordinator closes.
func (c *Coordinator) Receive(ctx context.Context) <-chan cluster.Message {
	out := make(chan cluster.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-c.inbound:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Close detaches the coordinator from the network and ends all subscriptions.
func (c *Coordinator) Close() error {
	c.network.mu.Lock()
	if cur, ok := c.network.nodes[c.id]; ok && cur == c {
		delete(c.network.nodes, c.id)
	}
	c.network.mu.Unlock()
	c.detach()
	return nil
}

func (c *Coordinator) detach() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	c.membership.Close()
	close(c.inbound)
}

func (c *Coordinator) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Coordinator) deliver(ctx context.Context, msg cluster.Message) error {
	select {
	case <-c.stop:
		return cluster.ErrClosed
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-c.stop:
		return cluster.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("deliver to %s: %w", c.id, ctx.Err())
	}
}

func (c *Coordinator) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbox:
			switch msg.Kind {
			case cluster.KindHeartbeat:
				hb := cluster.Heartbeat{}
				if msg.Heartbeat != nil {
					hb = *msg.Heartbeat
				}
				c.membership.Observe(msg.From, hb)
			case cluster.KindLeave:
				c.membership.Leave(msg.From)
			default:
				select {
				case c.inbound <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
