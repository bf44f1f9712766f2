package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/focused-crawler/internal/clock/system"
	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/metrics"
)

// MembershipConfig sets the liveness thresholds.
type MembershipConfig struct {
	// SuspectAfter is the heartbeat silence after which an ACTIVE node becomes SUSPECT.
	SuspectAfter time.Duration
	// DeadAfter is the heartbeat silence after which a node is declared DEAD.
	DeadAfter time.Duration
}

func (c MembershipConfig) withDefaults() MembershipConfig {
	if c.SuspectAfter <= 0 {
		c.SuspectAfter = 5 * time.Second
	}
	if c.DeadAfter <= c.SuspectAfter {
		c.DeadAfter = 3 * c.SuspectAfter
	}
	return c
}

// Membership is a heartbeat-driven view of the cluster.
// ACTIVE nodes that go quiet become SUSPECT, then DEAD; a DEAD node that
// heartbeats again rejoins as ACTIVE.
type Membership struct {
	self   string
	cfg    MembershipConfig
	clock  crawler.Clock
	logger *zap.Logger

	mu     sync.Mutex
	nodes  map[string]*Node
	subs   map[*feed]struct{}
	closed bool
}

// NewMembership builds an empty membership view for node self.
func NewMembership(self string, cfg MembershipConfig, clock crawler.Clock, logger *zap.Logger) *Membership {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Membership{
		self:   self,
		cfg:    cfg.withDefaults(),
		clock:  clock,
		logger: logger.Named("membership"),
		nodes:  make(map[string]*Node),
		subs:   make(map[*feed]struct{}),
	}
}

// Observe records a heartbeat from id.
func (m *Membership) Observe(id string, hb Heartbeat) {
	if id == "" || id == m.self {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	now := m.clock.Now()
	node, ok := m.nodes[id]
	if !ok {
		node = &Node{ID: id}
		m.nodes[id] = node
	}
	node.Address = hb.Address
	node.Role = hb.Role
	node.LastSeen = now
	prev := node.Status
	node.Status = StatusActive
	switch prev {
	case StatusActive:
	case StatusSuspect:
		m.logger.Info("node recovered", zap.String("node", id))
	default:
		m.logger.Info("node joined", zap.String("node", id), zap.String("role", hb.Role))
		m.publish(EventJoin, *node)
	}
	m.updateGauge()
}

// Leave marks id DEAD at once.
func (m *Membership) Leave(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok || node.Status == StatusDead || m.closed {
		return
	}
	node.Status = StatusDead
	m.logger.Info("node left", zap.String("node", id))
	m.publish(EventDepart, *node)
	m.updateGauge()
}

// Reap applies the liveness thresholds as of now.
func (m *Membership) Reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	now := m.clock.Now()
	changed := false
	for _, node := range m.nodes {
		silence := now.Sub(node.LastSeen)
		switch {
		case node.Status != StatusDead && silence >= m.cfg.DeadAfter:
			node.Status = StatusDead
			m.logger.Warn("node declared dead", zap.String("node", node.ID), zap.Duration("silence", silence))
			m.publish(EventDepart, *node)
			changed = true
		case node.Status == StatusActive && silence >= m.cfg.SuspectAfter:
			node.Status = StatusSuspect
			m.logger.Warn("node suspected", zap.String("node", node.ID), zap.Duration("silence", silence))
			changed = true
		}
	}
	if changed {
		m.updateGauge()
	}
}

// Run reaps every interval until ctx is done.
func (m *Membership) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.SuspectAfter / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Nodes returns the known nodes sorted by id.
func (m *Membership) Nodes() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Events subscribes to joins and departures in the order they happened, replaying the
// live (ACTIVE or SUSPECT) nodes as joins first.
func (m *Membership) Events(ctx context.Context) <-chan MembershipEvent {
	return m.subscribe(ctx, "")
}

// Joins is Events restricted to joins.
func (m *Membership) Joins(ctx context.Context) <-chan Node {
	return nodesOf(ctx, m.subscribe(ctx, EventJoin))
}

// Departures is Events restricted to DEAD declarations.
func (m *Membership) Departures(ctx context.Context) <-chan Node {
	return nodesOf(ctx, m.subscribe(ctx, EventDepart))
}

// Close ends every subscription.
func (m *Membership) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for f := range m.subs {
		f.close()
	}
	m.subs = map[*feed]struct{}{}
}

// subscribe starts a feed of events of kind only, or of every kind when only is empty.
func (m *Membership) subscribe(ctx context.Context, only EventKind) <-chan MembershipEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(chan MembershipEvent)
	if m.closed {
		close(out)
		return out
	}
	f := newFeed(only)
	for _, n := range m.nodes {
		if n.Status != StatusDead {
			f.push(MembershipEvent{Kind: EventJoin, Node: *n})
		}
	}
	m.subs[f] = struct{}{}
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.subs, f)
			m.mu.Unlock()
		}()
		f.pump(ctx, out)
	}()
	return out
}

func nodesOf(ctx context.Context, events <-chan MembershipEvent) <-chan Node {
	out := make(chan Node)
	go func() {
		defer close(out)
		for ev := range events {
			select {
			case out <- ev.Node:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// publish must be called with mu held.
func (m *Membership) publish(kind EventKind, n Node) {
	for f := range m.subs {
		f.push(MembershipEvent{Kind: kind, Node: n})
	}
}

func (m *Membership) updateGauge() {
	counts := map[string]int{string(StatusActive): 0, string(StatusSuspect): 0, string(StatusDead): 0}
	for _, n := range m.nodes {
		counts[string(n.Status)]++
	}
	metrics.SetClusterNodes(counts)
}

// feed is an unbounded queue so a slow subscriber never stalls membership updates.
type feed struct {
	only   EventKind
	mu     sync.Mutex
	queue  []MembershipEvent
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newFeed(only EventKind) *feed {
	return &feed{only: only, signal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (f *feed) push(ev MembershipEvent) {
	if f.only != "" && ev.Kind != f.only {
		return
	}
	f.mu.Lock()
	f.queue = append(f.queue, ev)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *feed) close() {
	f.once.Do(func() { close(f.done) })
}

func (f *feed) pump(ctx context.Context, out chan<- MembershipEvent) {
	for {
		f.mu.Lock()
		var next *MembershipEvent
		if len(f.queue) > 0 {
			ev := f.queue[0]
			f.queue = f.queue[1:]
			next = &ev
		}
		f.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case <-f.signal:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case out <- *next:
		}
	}
}
