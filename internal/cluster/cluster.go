// Package cluster defines cluster membership and messaging between the
// coordinator and fetcher nodes.
package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

// Errors returned by coordinators.
var (
	ErrUnknownNode = errors.New("unknown node")
	ErrClosed      = errors.New("coordinator closed")
)

// NodeStatus is the liveness of a cluster node as seen by the local membership view.
type NodeStatus string

// Node statuses.
const (
	StatusActive  NodeStatus = "ACTIVE"
	StatusSuspect NodeStatus = "SUSPECT"
	StatusDead    NodeStatus = "DEAD"
)

// Node roles carried in heartbeats.
const (
	RoleFetcher     = "fetcher"
	RoleCoordinator = "coordinator"
)

// Node is one cluster member.
type Node struct {
	ID       string     `json:"id"`
	Address  string     `json:"address,omitempty"`
	Role     string     `json:"role,omitempty"`
	Status   NodeStatus `json:"status"`
	LastSeen time.Time  `json:"last_seen"`
}

// EventKind tags a MembershipEvent.
type EventKind string

// Membership event kinds.
const (
	EventJoin   EventKind = "join"
	EventDepart EventKind = "depart"
)

// MembershipEvent is a node becoming ACTIVE or being declared DEAD.
type MembershipEvent struct {
	Kind EventKind
	Node Node
}

// MessageKind tags a Message.
type MessageKind string

// Message kinds.
const (
	KindAssign    MessageKind = "assign"
	KindResult    MessageKind = "result"
	KindHeartbeat MessageKind = "heartbeat"
	KindLeave     MessageKind = "leave"
)

// Assignment is a leased claim by one node on one link.
type Assignment struct {
	ID             string    `json:"id"`
	Fingerprint    string    `json:"fingerprint"`
	URL            string    `json:"url"`
	Host           string    `json:"host"`
	Depth          int       `json:"depth"`
	AssignedNode   string    `json:"assigned_node"`
	AssignedAt     time.Time `json:"assigned_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Link rebuilds the frontier view of the assigned link.
func (a Assignment) Link() crawler.Link {
	return crawler.Link{
		URL:         a.URL,
		Fingerprint: a.Fingerprint,
		Host:        a.Host,
		Depth:       a.Depth,
		State:       crawler.StateFetching,
	}
}

// Result reports the outcome of an Assignment.
type Result struct {
	AssignmentID string              `json:"assignment_id"`
	Fetch        crawler.FetchResult `json:"fetch"`
}

// Heartbeat announces that a node is alive.
type Heartbeat struct {
	Address string `json:"address,omitempty"`
	Role    string `json:"role,omitempty"`
}

// Message is the unit exchanged between nodes.
type Message struct {
	Kind      MessageKind `json:"kind"`
	From      string      `json:"from"`
	To        string      `json:"to,omitempty"`
	Assign    *Assignment `json:"assign,omitempty"`
	Result    *Result     `json:"result,omitempty"`
	Heartbeat *Heartbeat  `json:"heartbeat,omitempty"`
}

// Coordinator is the membership and messaging handle injected into the router and fetcher nodes.
type Coordinator interface {
	// LocalID returns this node's id.
	LocalID() string
	// Joins yields nodes becoming ACTIVE, starting with the current ACTIVE members.
	// Every call starts a fresh subscription that ends when ctx is done or the coordinator closes.
	Joins(ctx context.Context) <-chan Node
	// Departures yields nodes declared DEAD. Every call starts a fresh subscription.
	Departures(ctx context.Context) <-chan Node
	// Events yields joins and departures in the order membership saw them, starting with
	// the current ACTIVE members as joins. A node that dies and returns appears as a
	// departure followed by a join.
	Events(ctx context.Context) <-chan MembershipEvent
	// Send delivers msg to one node, best effort.
	Send(ctx context.Context, nodeID string, msg Message) error
	// Broadcast delivers msg to every other node, best effort.
	Broadcast(ctx context.Context, msg Message) error
	// Receive yields inbound assign and result messages. Membership traffic is consumed internally.
	Receive(ctx context.Context) <-chan Message
	// Nodes snapshots the membership view.
	Nodes() []Node
	Close() error
}

// SendHeartbeats broadcasts a heartbeat immediately and then every interval until ctx is done.
func SendHeartbeats(ctx context.Context, c Coordinator, interval time.Duration, hb Heartbeat, onError func(error)) {
	send := func() {
		err := c.Broadcast(ctx, Message{Kind: KindHeartbeat, From: c.LocalID(), Heartbeat: &hb})
		if err != nil && ctx.Err() == nil && onError != nil {
			onError(err)
		}
	}
	send()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

// Attributes exposes routing keys as transport attributes.
func (m Message) Attributes() map[string]string {
	attrs := map[string]string{"kind": string(m.Kind), "from": m.From}
	if m.To != "" {
		attrs["to"] = m.To
	}
	return attrs
}
