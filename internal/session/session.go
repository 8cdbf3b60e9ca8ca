// Package session tracks per-instance session identity and counters over
// the kv store. Storage failures are logged and swallowed: losing the
// bookkeeping must never break the chat itself.
package session

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/flowchat/relay/internal/events"
	"github.com/flowchat/relay/internal/kv"
)

const (
	keySessionID    = "session_id"
	keyMessageCount = "message_count"
	keyStartedAt    = "session_started_at"
)

// Manager owns session id, message count, and session start time for each
// widget instance.
type Manager struct {
	store  kv.Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(store kv.Store, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, bus: bus, logger: logger, now: time.Now}
}

// ID returns the session id for an instance, creating one on first use.
func (m *Manager) ID(ctx context.Context, instanceID string) string {
	key := kv.Key(instanceID, keySessionID)
	if id, ok, err := m.store.Get(ctx, key); err == nil && ok && id != "" {
		return id
	} else if err != nil {
		m.logger.Warn("read session id", "instance_id", instanceID, "error", err)
	}
	return m.rotate(ctx, instanceID)
}

// Reset rotates the session id, clears the message count, restarts the
// session clock, and emits session:reset.
func (m *Manager) Reset(ctx context.Context, instanceID string) string {
	id := m.rotate(ctx, instanceID)
	if m.bus != nil {
		m.bus.Emit(events.SessionReset, instanceID, map[string]any{"session_id": id})
	}
	return id
}

func (m *Manager) rotate(ctx context.Context, instanceID string) string {
	id := uuid.NewString()
	m.set(ctx, instanceID, keySessionID, id)
	m.set(ctx, instanceID, keyMessageCount, "0")
	m.set(ctx, instanceID, keyStartedAt, strconv.FormatInt(m.now().Unix(), 10))
	return id
}

// IncrementMessageCount bumps the per-instance counter and returns the
// new value.
func (m *Manager) IncrementMessageCount(ctx context.Context, instanceID string) int {
	n := m.MessageCount(ctx, instanceID) + 1
	m.set(ctx, instanceID, keyMessageCount, strconv.Itoa(n))
	return n
}

// MessageCount returns the number of messages sent this session.
func (m *Manager) MessageCount(ctx context.Context, instanceID string) int {
	raw, ok, err := m.store.Get(ctx, kv.Key(instanceID, keyMessageCount))
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// StartedAt returns the session start time, or the zero time when no
// session exists yet.
func (m *Manager) StartedAt(ctx context.Context, instanceID string) time.Time {
	raw, ok, err := m.store.Get(ctx, kv.Key(instanceID, keyStartedAt))
	if err != nil || !ok {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Duration returns how long the current session has been running.
func (m *Manager) Duration(ctx context.Context, instanceID string) time.Duration {
	start := m.StartedAt(ctx, instanceID)
	if start.IsZero() {
		return 0
	}
	return m.now().Sub(start)
}

func (m *Manager) set(ctx context.Context, instanceID, name, value string) {
	if err := m.store.Set(ctx, kv.Key(instanceID, name), value); err != nil {
		m.logger.Warn("persist session state",
			"instance_id", instanceID, "key", name, "error", err)
	}
}
