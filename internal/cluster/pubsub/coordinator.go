// Package pubsub implements cluster.Coordinator over a shared Google Cloud Pub/Sub topic.
//
// Every node publishes to one topic and reads from its own subscription,
// filtered to messages addressed to it or broadcast to everyone.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/focused-crawler/internal/cluster"
	"github.com/JakeFAU/focused-crawler/internal/crawler"
	pspub "github.com/JakeFAU/focused-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/focused-crawler/internal/telemetry"
)

const inboundSize = 1024

// Config wires a coordinator to its topic and subscription.
type Config struct {
	// Topic is the shared cluster topic id.
	Topic string
	// Subscription is this node's subscription id; defaults to "<topic>-<node>".
	Subscription string
	// DeleteSubscription removes the subscription on Close.
	DeleteSubscription bool
	Membership         cluster.MembershipConfig
	ReapInterval       time.Duration
	AckDeadline        time.Duration
}

// Coordinator exchanges cluster messages through Pub/Sub.
type Coordinator struct {
	id         string
	cfg        Config
	client     *pubsub.Client
	publisher  *pspub.Publisher
	subName    string
	membership *cluster.Membership
	inbound    chan cluster.Message
	logger     *zap.Logger
	tracer     trace.Tracer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ cluster.Coordinator = (*Coordinator)(nil)

// New ensures the node subscription exists and starts receiving.
// The client stays owned by the caller.
func New(ctx context.Context, client *pubsub.Client, id string, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Coordinator, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if id == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("cluster topic is required")
	}
	if cfg.Subscription == "" {
		cfg.Subscription = cfg.Topic + "-" + id
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		id:         id,
		cfg:        cfg,
		client:     client,
		publisher:  pspub.New(client.Publisher(cfg.Topic)),
		subName:    fmt.Sprintf("projects/%s/subscriptions/%s", client.Project(), cfg.Subscription),
		membership: cluster.NewMembership(id, cfg.Membership, clock, logger),
		inbound:    make(chan cluster.Message, inboundSize),
		logger:     logger.Named("pubsub-coordinator").With(zap.String("node", id)),
		tracer:     telemetry.Tracer("cluster"),
	}
	if err := c.ensureSubscription(ctx); err != nil {
		c.publisher.Stop()
		return nil, err
	}

	rctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	sub := client.Subscriber(c.subName)
	c.wg.Go(func() {
		if err := sub.Receive(rctx, c.handle); err != nil && rctx.Err() == nil {
			c.logger.Error("subscription receive stopped", zap.Error(err))
		}
	})
	if cfg.ReapInterval > 0 {
		c.wg.Go(func() { c.membership.Run(rctx, cfg.ReapInterval) })
	}
	return c, nil
}

func (c *Coordinator) ensureSubscription(ctx context.Context) error {
	topic := fmt.Sprintf("projects/%s/topics/%s", c.client.Project(), c.cfg.Topic)
	_, err := c.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               c.subName,
		Topic:              topic,
		Filter:             fmt.Sprintf(`attributes.to = %q OR NOT attributes:to`, c.id),
		AckDeadlineSeconds: int32(c.cfg.AckDeadline / time.Second),
	})
	switch {
	case err == nil:
		c.logger.Info("created cluster subscription", zap.String("subscription", c.subName))
		return nil
	case status.Code(err) == codes.AlreadyExists:
		return nil
	default:
		return fmt.Errorf("create subscription %s: %w", c.subName, err)
	}
}

func (c *Coordinator) handle(ctx context.Context, m *pubsub.Message) {
	defer m.Ack()

	var msg cluster.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		c.logger.Warn("dropping undecodable cluster message", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	// Filters are advisory on some emulators, so addressing is enforced here too.
	if msg.From == c.id || (msg.To != "" && msg.To != c.id) {
		return
	}
	switch msg.Kind {
	case cluster.KindHeartbeat:
		hb := cluster.Heartbeat{}
		if msg.Heartbeat != nil {
			hb = *msg.Heartbeat
		}
		c.membership.Observe(msg.From, hb)
	case cluster.KindLeave:
		c.membership.Leave(msg.From)
	case cluster.KindAssign, cluster.KindResult:
		_, span := c.tracer.Start(telemetry.Extract(ctx, m.Attributes), "cluster.receive",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("cluster.kind", string(msg.Kind)),
				attribute.String("cluster.from", msg.From),
			))
		defer span.End()
		select {
		case c.inbound <- msg:
		case <-ctx.Done():
		}
	default:
		c.logger.Debug("ignoring cluster message", zap.String("kind", string(msg.Kind)))
	}
}

// LocalID returns the node id.
func (c *Coordinator) LocalID() string { return c.id }

// Membership exposes the local membership view.
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

// Send publishes msg addressed to nodeID.
func (c *Coordinator) Send(ctx context.Context, nodeID string, msg cluster.Message) error {
	if nodeID == "" {
		return fmt.Errorf("send: %w", cluster.ErrUnknownNode)
	}
	msg.To = nodeID
	return c.publish(ctx, msg)
}

// Broadcast publishes msg to every node.
func (c *Coordinator) Broadcast(ctx context.Context, msg cluster.Message) error {
	msg.To = ""
	return c.publish(ctx, msg)
}

func (c *Coordinator) publish(ctx context.Context, msg cluster.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return cluster.ErrClosed
	}
	msg.From = c.id
	if _, err := c.publisher.Publish(ctx, c.cfg.Topic, msg); err != nil {
		return fmt.Errorf("publish %s message: %w", msg.Kind, err)
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

// Close stops receiving, flushes the publisher, and optionally deletes the subscription.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.publisher.Stop()
	c.membership.Close()
	close(c.inbound)

	if !c.cfg.DeleteSubscription {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.SubscriptionAdminClient.DeleteSubscription(ctx, &pubsubpb.DeleteSubscriptionRequest{
		Subscription: c.subName,
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("delete subscription %s: %w", c.subName, err)
	}
	return nil
}
