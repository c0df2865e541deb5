// Package coordinator owns the live state of game sessions: which connection
// speaks for which character, how many seats are taken, and who receives
// each broadcast. Every state change for one session runs under that
// session's lock; durable writes go through storage.EntityStore.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ralph0830/trpg/internal/platform/logging"
	"github.com/ralph0830/trpg/internal/platform/otel"
	"github.com/ralph0830/trpg/internal/platform/timeouts"
	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

const (
	tracerName          = "trpg/realtime/coordinator"
	defaultHistoryLimit = 20
)

// Message is one outbound event for a connection.
type Message struct {
	Event   string
	Payload any
}

// Peer is the outbound side of one connection. Deliver must not block; it
// reports false when the message was dropped.
type Peer interface {
	ID() string
	Deliver(Message) bool
}

// EventSink receives every persisted game event after it is stored.
type EventSink interface {
	Publish(ctx context.Context, event storage.GameEvent) error
}

// Coordinator serializes joins, chat, movement, narration and disconnects per
// session and fans the results out to connected peers.
type Coordinator struct {
	store        storage.EntityStore
	registry     *ConnectionRegistry
	members      *MembershipTable
	peers        *peerSet
	router       *BroadcastRouter
	sink         EventSink
	logger       *zap.Logger
	tracer       trace.Tracer
	historyLimit int
	storeTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logging.OrNop(logger) }
}

// WithTracer overrides the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithHistoryLimit sets how many recent events a joining player receives.
func WithHistoryLimit(limit int) Option {
	return func(c *Coordinator) {
		if limit > 0 {
			c.historyLimit = limit
		}
	}
}

// WithEventSink mirrors persisted events to sink.
func WithEventSink(sink EventSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithStoreTimeout bounds the durable calls made by one operation.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.storeTimeout = timeout
		}
	}
}

// New returns a Coordinator backed by store.
func New(store storage.EntityStore, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("entity store is required")
	}
	peers := newPeerSet()
	c := &Coordinator{
		store:        store,
		registry:     NewConnectionRegistry(),
		members:      NewMembershipTable(),
		peers:        peers,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer(tracerName),
		historyLimit: defaultHistoryLimit,
		storeTimeout: timeouts.StoreCall,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.router = newBroadcastRouter(peers, c.logger)
	return c, nil
}

// Connect registers the outbound side of a new connection.
func (c *Coordinator) Connect(peer Peer) error {
	if peer == nil || strings.TrimSpace(peer.ID()) == "" {
		return errors.New("peer with an id is required")
	}
	if !c.peers.add(peer) {
		return fmt.Errorf("connection %s already registered", peer.ID())
	}
	c.logger.Debug("connection registered", zap.String("connection_id", peer.ID()))
	return nil
}

// Binding returns the current binding of connID.
func (c *Coordinator) Binding(connID string) (Binding, bool) {
	return c.registry.Lookup(connID)
}

// Occupancy returns the number of live connections in sessionID.
func (c *Coordinator) Occupancy(sessionID string) int {
	entry := c.members.Acquire(sessionID)
	defer c.members.Release(entry)
	return entry.Occupancy()
}

// Members returns the connection IDs currently in sessionID.
func (c *Coordinator) Members(sessionID string) []string {
	entry := c.members.Acquire(sessionID)
	defer c.members.Release(entry)
	return entry.Members()
}

// Stats is a point-in-time count of coordinator state.
type Stats struct {
	Connections      int
	BoundConnections int
	Sessions         int
}

// Stats reports how many connections are registered, how many of them are
// seated and how many sessions hold in-memory membership.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Connections:      c.peers.len(),
		BoundConnections: c.registry.Len(),
		Sessions:         c.members.Len(),
	}
}

// Broadcast sends event to every member of sessionID except exclude.
func (c *Coordinator) Broadcast(sessionID string, event string, payload any, exclude string) int {
	entry := c.members.Acquire(sessionID)
	defer c.members.Release(entry)
	return c.router.Broadcast(entry, Message{Event: event, Payload: payload}, exclude)
}

// begin detaches ctx from the caller's cancellation, so a dropped connection
// cannot abort a durable write half way, and bounds the operation instead.
func (c *Coordinator) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
}

func (c *Coordinator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "coordinator."+name, trace.WithAttributes(attrs...))
}

func (c *Coordinator) publish(ctx context.Context, event storage.GameEvent) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Publish(ctx, event); err != nil {
		c.logger.Warn("publish game event",
			zap.String("session_id", event.SessionID),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) deliver(connID string, msg Message) bool {
	peer, ok := c.peers.get(connID)
	if !ok {
		return false
	}
	if !peer.Deliver(msg) {
		c.logger.Warn("outbound queue full, dropping message",
			zap.String("connection_id", connID),
			zap.String("event", msg.Event),
		)
		return false
	}
	return true
}

type peerSet struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func newPeerSet() *peerSet {
	return &peerSet{peers: make(map[string]Peer)}
}

func (s *peerSet) add(peer Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.peers[peer.ID()]; exists {
		return false
	}
	s.peers[peer.ID()] = peer
	return true
}

func (s *peerSet) get(id string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[id]
	return peer, ok
}

func (s *peerSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

func (s *peerSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
