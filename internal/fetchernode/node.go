// Package fetchernode runs a fetcher cluster member: it executes assignments
// received from the router and reports their results back.
package fetchernode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/focused-crawler/internal/cluster"
	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

// Config tunes batching and liveness.
type Config struct {
	// BatchSize flushes collected assignments once this many are waiting.
	BatchSize int
	// FlushDelay flushes a partial batch after the first assignment has waited this long.
	FlushDelay time.Duration
	// HeartbeatInterval is how often the node announces itself.
	HeartbeatInterval time.Duration
	// Address is advertised in heartbeats.
	Address string
	// LeaveTimeout bounds the leave broadcast on shutdown.
	LeaveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = 50 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.LeaveTimeout <= 0 {
		c.LeaveTimeout = 5 * time.Second
	}
	return c
}

// Stats counts the work a node has handled.
type Stats struct {
	Received     int64 `json:"received"`
	Completed    int64 `json:"completed"`
	SendFailures int64 `json:"send_failures"`
}

// Node executes assignments with a local downloader.
type Node struct {
	coord      cluster.Coordinator
	downloader crawler.Downloader
	cfg        Config
	logger     *zap.Logger

	received     atomic.Int64
	completed    atomic.Int64
	sendFailures atomic.Int64
}

type pendingAssignment struct {
	asg  cluster.Assignment
	from string
}

// New builds a fetcher node.
func New(coord cluster.Coordinator, downloader crawler.Downloader, cfg Config, logger *zap.Logger) (*Node, error) {
	if coord == nil {
		return nil, errors.New("cluster coordinator is required")
	}
	if downloader == nil {
		return nil, errors.New("downloader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		coord:      coord,
		downloader: downloader,
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("fetcher-node").With(zap.String("node", coord.LocalID())),
	}, nil
}

// Stats snapshots the node counters.
func (n *Node) Stats() Stats {
	return Stats{
		Received:     n.received.Load(),
		Completed:    n.completed.Load(),
		SendFailures: n.sendFailures.Load(),
	}
}

// Run heartbeats and serves assignments until ctx is done. In-flight batches
// finish and report before the node broadcasts its departure.
func (n *Node) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Go(func() {
		cluster.SendHeartbeats(ctx, n.coord, n.cfg.HeartbeatInterval,
			cluster.Heartbeat{Address: n.cfg.Address, Role: cluster.RoleFetcher},
			func(err error) { n.logger.Warn("heartbeat failed", zap.Error(err)) })
	})

	work := context.WithoutCancel(ctx)
	inbound := n.coord.Receive(ctx)
	var (
		pending []pendingAssignment
		timer   *time.Timer
		fire    <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, fire = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		wg.Go(func() { n.execute(work, batch) })
	}

	n.logger.Info("fetcher node started", zap.Int("batch_size", n.cfg.BatchSize))
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-inbound:
			if !ok {
				break loop
			}
			if msg.Kind != cluster.KindAssign || msg.Assign == nil {
				continue
			}
			n.received.Add(1)
			pending = append(pending, pendingAssignment{asg: *msg.Assign, from: msg.From})
			if len(pending) >= n.cfg.BatchSize {
				flush()
			} else if timer == nil {
				timer = time.NewTimer(n.cfg.FlushDelay)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			flush()
		}
	}
	if timer != nil {
		timer.Stop()
	}
	if len(pending) > 0 {
		n.logger.Info("dropping unstarted assignments", zap.Int("count", len(pending)))
	}

	wg.Wait()
	leaveCtx, cancel := context.WithTimeout(work, n.cfg.LeaveTimeout)
	defer cancel()
	if err := n.coord.Broadcast(leaveCtx, cluster.Message{Kind: cluster.KindLeave}); err != nil {
		n.logger.Warn("leave broadcast failed", zap.Error(err))
	}
	n.logger.Info("fetcher node stopped",
		zap.Int64("received", n.received.Load()),
		zap.Int64("completed", n.completed.Load()),
	)
	return nil
}

// execute fetches one batch and reports each result to the node that assigned it.
func (n *Node) execute(ctx context.Context, batch []pendingAssignment) {
	byFP := make(map[string]pendingAssignment, len(batch))
	links := make([]crawler.Link, 0, len(batch))
	for _, p := range batch {
		if _, dup := byFP[p.asg.Fingerprint]; !dup {
			links = append(links, p.asg.Link())
		}
		// A later assignment for the same link supersedes the earlier one.
		byFP[p.asg.Fingerprint] = p
	}

	for res := range n.downloader.Fetch(ctx, links) {
		p, ok := byFP[res.Fingerprint]
		if !ok {
			continue
		}
		res.Node = n.coord.LocalID()
		msg := cluster.Message{
			Kind:   cluster.KindResult,
			Result: &cluster.Result{AssignmentID: p.asg.ID, Fetch: res},
		}
		if err := n.coord.Send(ctx, p.from, msg); err != nil {
			n.sendFailures.Add(1)
			n.logger.Warn("result send failed",
				zap.String("to", p.from),
				zap.String("url", res.URL),
				zap.Error(err),
			)
			continue
		}
		n.completed.Add(1)
	}
}
