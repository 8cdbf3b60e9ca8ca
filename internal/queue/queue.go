// Package queue holds messages that could not be delivered to the
// automation backend, replaying them when connectivity returns. The queue
// is a bounded FIFO: past MaxSize the oldest entry is evicted, and every
// entry expires. Entries persist across restarts through a kv.Store; a
// failing store degrades the queue to memory-only rather than failing
// the caller.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/flowchat/relay/internal/kv"
)

// Entry is one undelivered message.
type Entry struct {
	ID             string    `json:"id"`
	InstanceID     string    `json:"instance_id"`
	Content        string    `json:"content"`
	AttachmentURLs []string  `json:"attachment_urls,omitempty"`
	QueuedAt       time.Time `json:"queued_at"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// SendFunc delivers one queued entry. A nil return removes the entry.
type SendFunc func(ctx context.Context, e Entry) error

// Config bounds the queue.
type Config struct {
	MaxSize     int
	MaxAttempts int
	Expiry      time.Duration
	StorageKey  string
}

func DefaultConfig() Config {
	return Config{
		MaxSize:     50,
		MaxAttempts: 5,
		Expiry:      24 * time.Hour,
		StorageKey:  "flowchat:queue",
	}
}

// Listener is notified with a snapshot of the queue after any change.
type Listener func(entries []Entry)

// Queue is the offline message queue. It is the sole writer to its
// storage key.
type Queue struct {
	cfg    Config
	store  kv.Store
	send   SendFunc
	logger *slog.Logger

	mu         sync.Mutex
	entries    []*Entry
	processing bool

	lmu       sync.Mutex
	nextLID   int
	listeners map[int]Listener

	now func() time.Time
}

// New builds a queue over store, loading any persisted entries. send is
// invoked by Process for each retained entry.
func New(cfg Config, store kv.Store, send SendFunc, logger *slog.Logger) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultConfig().Expiry
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultConfig().StorageKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		cfg:       cfg,
		store:     store,
		send:      send,
		logger:    logger,
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
	q.load()
	return q
}

// Add enqueues an undelivered message, evicting the oldest entry once the
// queue is full. Attempts starts at 1: the failed direct send that put
// the message here counts as the first delivery attempt. Returns nil when
// there is nothing to queue.
func (q *Queue) Add(instanceID, content string, attachmentURLs []string, lastError string) *Entry {
	if content == "" && len(attachmentURLs) == 0 {
		return nil
	}
	now := q.now()
	e := &Entry{
		ID:             uuid.NewString(),
		InstanceID:     instanceID,
		Content:        content,
		AttachmentURLs: attachmentURLs,
		QueuedAt:       now,
		Attempts:       1,
		LastError:      lastError,
		ExpiresAt:      now.Add(q.cfg.Expiry),
	}

	q.mu.Lock()
	q.purgeExpiredLocked()
	if len(q.entries) >= q.cfg.MaxSize {
		evicted := q.entries[0]
		q.entries = q.entries[1:]
		q.logger.Warn("offline queue full, evicting oldest",
			"evicted_id", evicted.ID, "instance_id", evicted.InstanceID)
	}
	q.entries = append(q.entries, e)
	q.persistLocked()
	q.mu.Unlock()

	q.notify()
	q.logger.Info("message queued for offline delivery",
		"id", e.ID, "instance_id", instanceID, "queue_size", q.Size())
	return e
}

// Process replays every queued entry through the send func. It is
// non-reentrant: a call while another is running is a no-op returning
// (0, 0). Expired entries are purged first. An entry whose attempt count
// reaches MaxAttempts is dropped.
func (q *Queue) Process(ctx context.Context) (sent, failed int) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return 0, 0
	}
	q.processing = true
	purged := q.purgeExpiredLocked()
	batch := make([]*Entry, len(q.entries))
	copy(batch, q.entries)
	q.mu.Unlock()

	changed := purged || len(batch) > 0
	for _, e := range batch {
		if ctx.Err() != nil {
			break
		}
		q.mu.Lock()
		e.Attempts++
		attempt := *e
		q.mu.Unlock()

		err := q.send(ctx, attempt)
		if err == nil {
			sent++
			q.removeEntry(e.ID)
			continue
		}
		failed++
		q.mu.Lock()
		e.LastError = err.Error()
		exhausted := e.Attempts >= q.cfg.MaxAttempts
		q.mu.Unlock()
		if exhausted {
			q.logger.Warn("abandoning queued message",
				"id", e.ID, "attempts", attempt.Attempts, "last_error", err.Error())
			q.removeEntry(e.ID)
		}
	}

	q.mu.Lock()
	q.processing = false
	q.persistLocked()
	q.mu.Unlock()

	if changed {
		q.notify()
	}
	return sent, failed
}

// Limits returns the current size and attempt bounds.
func (q *Queue) Limits() (maxSize, maxAttempts int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.MaxSize, q.cfg.MaxAttempts
}

// SetLimits changes the size and attempt bounds at runtime. Shrinking
// MaxSize below the current depth evicts the oldest entries. Values <= 0
// leave the corresponding bound unchanged.
func (q *Queue) SetLimits(maxSize, maxAttempts int) {
	q.mu.Lock()
	if maxAttempts > 0 {
		q.cfg.MaxAttempts = maxAttempts
	}
	evicted := false
	if maxSize > 0 {
		q.cfg.MaxSize = maxSize
		for len(q.entries) > q.cfg.MaxSize {
			q.logger.Warn("offline queue shrunk, evicting oldest", "evicted_id", q.entries[0].ID)
			q.entries = q.entries[1:]
			evicted = true
		}
		if evicted {
			q.persistLocked()
		}
	}
	q.mu.Unlock()
	if evicted {
		q.notify()
	}
}

// Remove deletes an entry by id.
func (q *Queue) Remove(id string) bool {
	removed := q.removeEntry(id)
	if removed {
		q.notify()
	}
	return removed
}

func (q *Queue) removeEntry(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.persistLocked()
			return true
		}
	}
	return false
}

// GetByInstance returns the queued entries for one widget instance.
func (q *Queue) GetByInstance(instanceID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if e.InstanceID == instanceID {
			out = append(out, *e)
		}
	}
	return out
}

// GetAll returns a snapshot of every queued entry, oldest first.
func (q *Queue) GetAll() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Size returns the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Subscribe registers a listener notified with a queue snapshot after any
// change. The returned function unsubscribes it.
func (q *Queue) Subscribe(fn Listener) func() {
	q.lmu.Lock()
	defer q.lmu.Unlock()
	id := q.nextLID
	q.nextLID++
	q.listeners[id] = fn
	return func() {
		q.lmu.Lock()
		defer q.lmu.Unlock()
		delete(q.listeners, id)
	}
}

func (q *Queue) notify() {
	q.mu.Lock()
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.lmu.Lock()
	fns := make([]Listener, 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.lmu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

func (q *Queue) snapshotLocked() []Entry {
	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// purgeExpiredLocked drops entries past their expiry, reporting whether
// any were removed. Callers hold q.mu.
func (q *Queue) purgeExpiredLocked() bool {
	now := q.now()
	kept := q.entries[:0]
	purged := false
	for _, e := range q.entries {
		if !e.ExpiresAt.After(now) {
			q.logger.Info("purging expired queued message", "id", e.ID, "queued_at", e.QueuedAt)
			purged = true
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	if purged {
		q.persistLocked()
	}
	return purged
}

// persistLocked writes the queue to the kv store. Storage failures are
// logged and swallowed: losing durability must not break sending.
func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}
	data, err := json.Marshal(q.snapshotLocked())
	if err != nil {
		q.logger.Error("marshal offline queue", "error", err)
		return
	}
	if err := q.store.Set(context.Background(), q.cfg.StorageKey, string(data)); err != nil {
		q.logger.Warn("persist offline queue", "error", err)
	}
}

func (q *Queue) load() {
	if q.store == nil {
		return
	}
	raw, ok, err := q.store.Get(context.Background(), q.cfg.StorageKey)
	if err != nil {
		q.logger.Warn("load offline queue", "error", err)
		return
	}
	if !ok {
		return
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		q.logger.Warn("corrupt offline queue state, discarding", "error", err)
		return
	}
	q.entries = make([]*Entry, 0, len(entries))
	for i := range entries {
		q.entries = append(q.entries, &entries[i])
	}
	q.mu.Lock()
	q.purgeExpiredLocked()
	q.mu.Unlock()
}
