package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/focused-crawler/internal/clock/system"
	"github.com/JakeFAU/focused-crawler/internal/cluster"
	"github.com/JakeFAU/focused-crawler/internal/crawler"
	"github.com/JakeFAU/focused-crawler/internal/metrics"
)

// ErrStopped is reported in LOST results for links the router could no longer track.
var ErrStopped = errors.New("router stopped")

// Config tunes leases and hashing.
type Config struct {
	// LeaseTTL bounds how long an assignment, or a link waiting for a fetcher, may stay unresolved.
	LeaseTTL time.Duration
	// ReapInterval is how often expired leases are collected.
	ReapInterval time.Duration
	// Replicas is the number of virtual ring points per fetcher.
	Replicas int
	// MaxTrackedHosts caps the host affinity table. When it fills up, hosts with no
	// outstanding links are forgotten and fall back to their ring owner on next use.
	MaxTrackedHosts int
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Second
	}
	if c.Replicas <= 0 {
		c.Replicas = DefaultReplicas
	}
	if c.MaxTrackedHosts <= 0 {
		c.MaxTrackedHosts = 1 << 20
	}
	return c
}

// NodeView is a fetcher as seen by the router.
type NodeView struct {
	cluster.Node
	InRing      bool `json:"in_ring"`
	Assignments int  `json:"assignments"`
	Hosts       int  `json:"hosts"`
}

// Stats summarizes router bookkeeping.
type Stats struct {
	Outstanding int `json:"outstanding"`
	Pending     int `json:"pending"`
	Fetchers    int `json:"fetchers"`
}

// batch collects the results of one Fetch call.
type batch struct {
	out       chan crawler.FetchResult
	remaining int
}

// entry tracks one link from Fetch until its result is emitted.
// An empty AssignedNode means the link is waiting for a fetcher.
type entry struct {
	asg   cluster.Assignment
	batch *batch
}

type outbound struct {
	node string
	asg  cluster.Assignment
}

// Router partitions links across fetcher nodes by host and correlates their results.
type Router struct {
	coord  cluster.Coordinator
	ids    crawler.IDGenerator
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	ring *Ring
	// hostOwner pins each host to the fetcher that first took it. Entries leave when
	// the owner departs or when the table is full and the host is idle.
	hostOwner map[string]string
	entries   map[string]*entry
	stopped   bool
}

// New builds a Router over coord. Call Run before or alongside Fetch.
func New(coord cluster.Coordinator, ids crawler.IDGenerator, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Router, error) {
	if coord == nil {
		return nil, errors.New("cluster coordinator is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Router{
		coord:     coord,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("router"),
		ring:      NewRing(cfg.Replicas),
		hostOwner: make(map[string]string),
		entries:   make(map[string]*entry),
	}, nil
}

var _ crawler.Downloader = (*Router)(nil)

// Fetch assigns every link to the fetcher owning its host and yields one result per link.
// Links with no fetcher available wait until one joins or their lease runs out.
func (r *Router) Fetch(ctx context.Context, links []crawler.Link) <-chan crawler.FetchResult {
	b := &batch{out: make(chan crawler.FetchResult, len(links)), remaining: len(links)}
	if len(links) == 0 {
		close(b.out)
		return b.out
	}

	now := r.clock.Now()
	fps := make([]string, 0, len(links))
	var sends []outbound

	r.mu.Lock()
	for _, link := range links {
		if r.stopped {
			r.emit(&entry{asg: assignmentFor(link), batch: b}, crawler.FetchLost, ErrStopped.Error())
			continue
		}
		if prev, ok := r.entries[link.Fingerprint]; ok {
			delete(r.entries, link.Fingerprint)
			r.emit(prev, crawler.FetchLost, "superseded by a newer dispatch")
		}
		e := &entry{asg: assignmentFor(link), batch: b}
		e.asg.AssignedAt = now
		e.asg.LeaseExpiresAt = now.Add(r.cfg.LeaseTTL)
		r.entries[link.Fingerprint] = e
		fps = append(fps, link.Fingerprint)
		if s, ok := r.assignLocked(e, now); ok {
			sends = append(sends, s)
		}
	}
	r.mu.Unlock()

	r.send(ctx, sends)
	if len(fps) > 0 {
		go r.watch(ctx, b, fps)
	}
	return b.out
}

func assignmentFor(link crawler.Link) cluster.Assignment {
	return cluster.Assignment{
		Fingerprint: link.Fingerprint,
		URL:         link.URL,
		Host:        link.Host,
		Depth:       link.Depth,
	}
}

// watch abandons a batch's unresolved links if the caller gives up on it.
func (r *Router) watch(ctx context.Context, b *batch, fps []string) {
	done := ctx.Done()
	if done == nil {
		return
	}
	<-done
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fp := range fps {
		if e, ok := r.entries[fp]; ok && e.batch == b {
			delete(r.entries, fp)
			r.emit(e, crawler.FetchLost, ctx.Err().Error())
		}
	}
}

// assignLocked picks an owner for e and stamps a fresh assignment. mu must be held.
func (r *Router) assignLocked(e *entry, now time.Time) (outbound, bool) {
	node := r.ownerLocked(e.asg.Host)
	if node == "" {
		e.asg.AssignedNode = ""
		return outbound{}, false
	}
	id, err := r.ids.NewID()
	if err != nil {
		r.logger.Error("failed to generate assignment id", zap.Error(err))
		return outbound{}, false
	}
	e.asg.ID = id
	e.asg.AssignedNode = node
	e.asg.AssignedAt = now
	e.asg.LeaseExpiresAt = now.Add(r.cfg.LeaseTTL)
	return outbound{node: node, asg: e.asg}, true
}

// ownerLocked keeps a host on its first owner while that owner stays on the ring.
func (r *Router) ownerLocked(host string) string {
	if owner, ok := r.hostOwner[host]; ok && r.ring.Has(owner) {
		return owner
	}
	owner, ok := r.ring.Owner(host)
	if !ok {
		return ""
	}
	if len(r.hostOwner) >= r.cfg.MaxTrackedHosts {
		r.forgetIdleHostsLocked()
	}
	r.hostOwner[host] = owner
	return owner
}

// forgetIdleHostsLocked drops affinity for hosts with nothing outstanding. mu must be held.
func (r *Router) forgetIdleHostsLocked() {
	busy := make(map[string]struct{}, len(r.entries))
	for _, e := range r.entries {
		if e.asg.AssignedNode != "" {
			busy[e.asg.Host] = struct{}{}
		}
	}
	before := len(r.hostOwner)
	for host := range r.hostOwner {
		if _, ok := busy[host]; !ok {
			delete(r.hostOwner, host)
		}
	}
	r.logger.Debug("host affinity table trimmed",
		zap.Int("before", before),
		zap.Int("after", len(r.hostOwner)),
	)
}

func (r *Router) send(ctx context.Context, sends []outbound) {
	for _, s := range sends {
		asg := s.asg
		err := r.coord.Send(ctx, s.node, cluster.Message{Kind: cluster.KindAssign, Assign: &asg})
		if err == nil {
			metrics.ObserveAssignment("sent")
			continue
		}
		r.logger.Warn("assignment send failed",
			zap.String("node", s.node),
			zap.String("url", asg.URL),
			zap.Error(err),
		)
		r.mu.Lock()
		if e, ok := r.entries[asg.Fingerprint]; ok && e.asg.ID == asg.ID {
			delete(r.entries, asg.Fingerprint)
			r.emit(e, crawler.FetchLost, fmt.Sprintf("send to %s: %v", s.node, err))
		}
		r.mu.Unlock()
	}
}

// emit delivers the single result owed for e. mu must be held and e already removed from entries.
func (r *Router) emit(e *entry, status crawler.FetchStatus, reason string) {
	r.deliver(e.batch, crawler.FetchResult{
		Fingerprint: e.asg.Fingerprint,
		URL:         e.asg.URL,
		Depth:       e.asg.Depth,
		Status:      status,
		Err:         reason,
		Node:        e.asg.AssignedNode,
	})
}

func (r *Router) deliver(b *batch, res crawler.FetchResult) {
	b.out <- res
	b.remaining--
	if b.remaining == 0 {
		close(b.out)
	}
}

// Run consumes membership changes, results and lease expiry until ctx is done.
// Membership changes arrive on one ordered stream, so a fetcher that dies and
// rejoins ends up back on the ring.
// Unresolved links are reported LOST when it returns.
func (r *Router) Run(ctx context.Context) error {
	events := r.coord.Events(ctx)
	inbound := r.coord.Receive(ctx)
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	defer r.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case cluster.EventJoin:
				r.nodeJoined(ctx, ev.Node)
			case cluster.EventDepart:
				r.nodeDeparted(ev.Node)
			}
		case msg, ok := <-inbound:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return cluster.ErrClosed
			}
			r.handle(msg)
		case <-ticker.C:
			r.Reap()
		}
	}
}

func (r *Router) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for fp, e := range r.entries {
		delete(r.entries, fp)
		r.emit(e, crawler.FetchLost, ErrStopped.Error())
	}
}

func (r *Router) nodeJoined(ctx context.Context, node cluster.Node) {
	if node.Role != cluster.RoleFetcher {
		return
	}
	now := r.clock.Now()
	var sends []outbound
	r.mu.Lock()
	if r.ring.Has(node.ID) {
		r.mu.Unlock()
		return
	}
	r.ring.Add(node.ID)
	r.logger.Info("fetcher joined", zap.String("node", node.ID), zap.Int("fetchers", r.ring.Len()))
	for _, e := range r.pendingLocked() {
		if s, ok := r.assignLocked(e, now); ok {
			sends = append(sends, s)
		}
	}
	r.mu.Unlock()
	r.send(ctx, sends)
}

func (r *Router) pendingLocked() []*entry {
	var out []*entry
	for _, e := range r.entries {
		if e.asg.AssignedNode == "" {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].asg.AssignedAt.Before(out[j].asg.AssignedAt) })
	return out
}

func (r *Router) nodeDeparted(node cluster.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ring.Has(node.ID) && node.Role != cluster.RoleFetcher {
		return
	}
	r.ring.Remove(node.ID)
	for host, owner := range r.hostOwner {
		if owner == node.ID {
			delete(r.hostOwner, host)
		}
	}
	orphaned := 0
	for fp, e := range r.entries {
		if e.asg.AssignedNode != node.ID {
			continue
		}
		delete(r.entries, fp)
		r.emit(e, crawler.FetchLost, "node "+node.ID+" departed")
		metrics.ObserveAssignment("orphaned")
		orphaned++
	}
	r.logger.Warn("fetcher departed",
		zap.String("node", node.ID),
		zap.Int("orphaned_assignments", orphaned),
		zap.Int("fetchers", r.ring.Len()),
	)
}

func (r *Router) handle(msg cluster.Message) {
	if msg.Kind != cluster.KindResult || msg.Result == nil {
		return
	}
	res := msg.Result.Fetch
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[res.Fingerprint]
	if !ok || e.asg.ID != msg.Result.AssignmentID || e.asg.AssignedNode != msg.From {
		metrics.ObserveAssignment("stale")
		r.logger.Debug("discarding stale result",
			zap.String("node", msg.From),
			zap.String("assignment", msg.Result.AssignmentID),
			zap.String("fingerprint", res.Fingerprint),
		)
		return
	}
	delete(r.entries, res.Fingerprint)
	res.Node = msg.From
	res.URL = e.asg.URL
	res.Depth = e.asg.Depth
	metrics.ObserveAssignment("completed")
	r.deliver(e.batch, res)
}

// Reap drops every assignment or waiting link whose lease has run out.
func (r *Router) Reap() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for fp, e := range r.entries {
		if now.Before(e.asg.LeaseExpiresAt) {
			continue
		}
		delete(r.entries, fp)
		reason := "lease expired"
		if e.asg.AssignedNode == "" {
			reason = "no fetcher available"
		}
		r.logger.Warn("assignment expired",
			zap.String("node", e.asg.AssignedNode),
			zap.String("url", e.asg.URL),
			zap.String("reason", reason),
		)
		metrics.ObserveAssignment("expired")
		r.emit(e, crawler.FetchLost, reason)
	}
}

// Nodes lists known fetchers with their current load.
func (r *Router) Nodes() []NodeView {
	nodes := r.coord.Nodes()
	r.mu.Lock()
	defer r.mu.Unlock()
	load := make(map[string]int)
	for _, e := range r.entries {
		if e.asg.AssignedNode != "" {
			load[e.asg.AssignedNode]++
		}
	}
	hosts := make(map[string]int)
	for _, owner := range r.hostOwner {
		hosts[owner]++
	}
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		if n.Role != cluster.RoleFetcher {
			continue
		}
		out = append(out, NodeView{
			Node:        n,
			InRing:      r.ring.Has(n.ID),
			Assignments: load[n.ID],
			Hosts:       hosts[n.ID],
		})
	}
	return out
}

// Stats snapshots the router's bookkeeping.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Fetchers: r.ring.Len()}
	for _, e := range r.entries {
		if e.asg.AssignedNode == "" {
			s.Pending++
		} else {
			s.Outstanding++
		}
	}
	return s
}
