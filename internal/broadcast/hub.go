// Package broadcast pushes command outcomes to the connections subscribed to a
// user's topic. Delivery is best effort: no buffering for absent subscribers and
// no replay.
package broadcast

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/voicequeue/internal/metrics"
)

// Event names pushed to clients.
const (
	EventCommandResult    = "command-result"    // direct submit, to the originating connection
	EventCommandBroadcast = "command-broadcast" // direct submit, to the rest of the user topic
	EventCommandCompleted = "command-completed" // queued job finished
	EventCommandError     = "command-error"     // processing failed
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("connection send buffer full")
)

// Event is the wire envelope: {"event": ..., "data": ...}.
type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"data"`
}

// Conn is one subscriber. Send must not block.
type Conn interface {
	ID() string
	Send(Event) error
}

// UserTopic is the topic every connection of userID joins.
func UserTopic(userID string) string {
	return "user-" + userID
}

// Hub maps topics to their subscribers.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[string]Conn     // topic → conn id → conn
	members map[string]map[string]struct{} // conn id → topics, for LeaveAll
	metrics *metrics.Collector
	log     *zap.Logger
}

func NewHub(m *metrics.Collector, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics:  make(map[string]map[string]Conn),
		members: make(map[string]map[string]struct{}),
		metrics: m,
		log:     logger.Named("broadcast"),
	}
}

func (h *Hub) Join(conn Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]Conn)
		h.topics[topic] = subs
	}
	subs[conn.ID()] = conn

	joined, ok := h.members[conn.ID()]
	if !ok {
		joined = make(map[string]struct{})
		h.members[conn.ID()] = joined
	}
	joined[topic] = struct{}{}
}

func (h *Hub) Leave(conn Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conn.ID(), topic)
}

// LeaveAll removes conn from every topic; called on disconnect.
func (h *Hub) LeaveAll(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.members[conn.ID()] {
		h.leaveLocked(conn.ID(), topic)
	}
}

func (h *Hub) leaveLocked(id, topic string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	if joined, ok := h.members[id]; ok {
		delete(joined, topic)
		if len(joined) == 0 {
			delete(h.members, id)
		}
	}
}

// Publish sends ev to every subscriber of topic and returns how many accepted it.
func (h *Hub) Publish(topic string, ev Event) int {
	return h.PublishExcept(topic, "", ev)
}

// PublishExcept is Publish skipping the connection with id exceptID.
// A subscriber whose Send fails is closed or closing, so it is removed from
// every topic; a live client rejoins after reconnecting.
func (h *Hub) PublishExcept(topic, exceptID string, ev Event) int {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.topics[topic]))
	for id, c := range h.topics[topic] {
		if id != exceptID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			h.log.Debug("dropping subscriber",
				zap.String("conn_id", c.ID()),
				zap.String("topic", topic),
				zap.Error(err))
			h.LeaveAll(c)
			continue
		}
		delivered++
	}
	if h.metrics != nil && delivered > 0 {
		h.metrics.RecordBroadcast(ev.Name)
	}
	return delivered
}

// Subscribers returns the number of connections on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
