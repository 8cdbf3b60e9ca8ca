package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowchat/relay/internal/kv"
)

func fastConfig() Config {
	return Config{
		MaxSize:     10,
		MaxAttempts: 3,
		Expiry:      time.Hour,
		StorageKey:  "test:queue",
	}
}

func alwaysOK(context.Context, Entry) error   { return nil }
func alwaysFail(context.Context, Entry) error { return errors.New("still down") }

func TestAdd_SetsExpiryAndFirstAttempt(t *testing.T) {
	q := New(fastConfig(), kv.NewMemory(), alwaysOK, slog.Default())
	e := q.Add("inst-1", "hello", nil, "E9003: backend unavailable")
	if e == nil {
		t.Fatal("Add returned nil")
	}
	if e.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (the failed direct send)", e.Attempts)
	}
	if !e.ExpiresAt.After(e.QueuedAt) {
		t.Error("ExpiresAt must be after QueuedAt")
	}
	if e.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestAdd_NothingToQueue(t *testing.T) {
	q := New(fastConfig(), kv.NewMemory(), alwaysOK, slog.Default())
	if e := q.Add("inst-1", "", nil, ""); e != nil {
		t.Errorf("empty add should return nil, got %+v", e)
	}
}

func TestAdd_EvictsOldestPastMaxSize(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxSize = 2
	q := New(cfg, kv.NewMemory(), alwaysOK, slog.Default())

	q.Add("i", "first", nil, "")
	q.Add("i", "second", nil, "")
	q.Add("i", "third", nil, "")

	all := q.GetAll()
	if len(all) != 2 {
		t.Fatalf("size %d, want 2", len(all))
	}
	if all[0].Content != "second" || all[1].Content != "third" {
		t.Errorf("expected two most recent, got %q, %q", all[0].Content, all[1].Content)
	}
	if q.Size() > cfg.MaxSize {
		t.Errorf("size %d exceeds MaxSize %d", q.Size(), cfg.MaxSize)
	}
}

func TestProcess_DeliversAndRemoves(t *testing.T) {
	var delivered []string
	send := func(_ context.Context, e Entry) error {
		delivered = append(delivered, e.Content)
		return nil
	}
	q := New(fastConfig(), kv.NewMemory(), send, slog.Default())
	q.Add("i", "a", nil, "")
	q.Add("i", "b", nil, "")

	sent, failed := q.Process(context.Background())
	if sent != 2 || failed != 0 {
		t.Errorf("sent=%d failed=%d, want 2/0", sent, failed)
	}
	if q.Size() != 0 {
		t.Errorf("queue not drained: %d", q.Size())
	}
	if len(delivered) != 2 || delivered[0] != "a" {
		t.Errorf("delivery order: %v", delivered)
	}
}

func TestProcess_RetainsFailedUntilExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	q := New(cfg, kv.NewMemory(), alwaysFail, slog.Default())
	q.Add("i", "msg", nil, "") // attempt 1

	if _, failed := q.Process(context.Background()); failed != 1 { // attempt 2
		t.Fatalf("failed = %d, want 1", failed)
	}
	if q.Size() != 1 {
		t.Fatalf("entry should be retained after attempt 2, size=%d", q.Size())
	}
	if got := q.GetAll()[0]; got.Attempts != 2 || got.LastError != "still down" {
		t.Errorf("entry state: %+v", got)
	}

	q.Process(context.Background()) // attempt 3 reaches MaxAttempts, dropped
	if q.Size() != 0 {
		t.Errorf("exhausted entry still present, size=%d", q.Size())
	}
}

func TestProcess_NonReentrant(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	send := func(context.Context, Entry) error {
		close(started)
		<-block
		return nil
	}
	q := New(fastConfig(), kv.NewMemory(), send, slog.Default())
	q.Add("i", "msg", nil, "")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Process(context.Background())
	}()
	<-started

	if sent, failed := q.Process(context.Background()); sent != 0 || failed != 0 {
		t.Errorf("concurrent Process should no-op, got %d/%d", sent, failed)
	}
	close(block)
	wg.Wait()
}

func TestProcess_PurgesExpired(t *testing.T) {
	q := New(fastConfig(), kv.NewMemory(), alwaysOK, slog.Default())
	q.Add("i", "old", nil, "")
	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	var notified int
	q.Subscribe(func([]Entry) { notified++ })

	sent, failed := q.Process(context.Background())
	if sent != 0 || failed != 0 {
		t.Errorf("expired entry must not be sent: %d/%d", sent, failed)
	}
	if q.Size() != 0 {
		t.Errorf("expired entry retained")
	}
	if notified == 0 {
		t.Error("listeners not notified of purge")
	}
}

func TestRemoveAndGetByInstance(t *testing.T) {
	q := New(fastConfig(), kv.NewMemory(), alwaysOK, slog.Default())
	a := q.Add("inst-a", "one", nil, "")
	q.Add("inst-b", "two", nil, "")

	if got := q.GetByInstance("inst-a"); len(got) != 1 || got[0].Content != "one" {
		t.Errorf("GetByInstance: %v", got)
	}
	if !q.Remove(a.ID) {
		t.Error("Remove returned false")
	}
	if q.Remove(a.ID) {
		t.Error("second Remove should return false")
	}
	if len(q.GetByInstance("inst-a")) != 0 {
		t.Error("removed entry still visible")
	}
}

func TestSetLimits_ShrinkEvictsOldest(t *testing.T) {
	q := New(fastConfig(), kv.NewMemory(), alwaysOK, slog.Default())
	q.Add("i", "one", nil, "")
	q.Add("i", "two", nil, "")
	q.Add("i", "three", nil, "")

	q.SetLimits(2, 0)
	all := q.GetAll()
	if len(all) != 2 || all[0].Content != "two" {
		t.Errorf("after shrink: %v", all)
	}
	if size, attempts := q.Limits(); size != 2 || attempts != fastConfig().MaxAttempts {
		t.Errorf("Limits = %d/%d", size, attempts)
	}

	// Zero values leave bounds unchanged.
	q.SetLimits(0, 0)
	if size, _ := q.Limits(); size != 2 {
		t.Errorf("zero SetLimits changed MaxSize to %d", size)
	}
}

func TestPersistence_SurvivesReload(t *testing.T) {
	store := kv.NewMemory()
	q := New(fastConfig(), store, alwaysOK, slog.Default())
	q.Add("i", "durable", []string{"https://cdn.example/file.png"}, "")

	q2 := New(fastConfig(), store, alwaysOK, slog.Default())
	all := q2.GetAll()
	if len(all) != 1 || all[0].Content != "durable" {
		t.Fatalf("reloaded queue: %v", all)
	}
	if len(all[0].AttachmentURLs) != 1 {
		t.Error("attachments lost on reload")
	}
}

func TestSubscribe_NotifiedOnAdd(t *testing.T) {
	q := New(fastConfig(), kv.NewMemory(), alwaysOK, slog.Default())
	var last []Entry
	off := q.Subscribe(func(entries []Entry) { last = entries })

	q.Add("i", "msg", nil, "")
	if len(last) != 1 {
		t.Fatalf("listener snapshot: %v", last)
	}

	off()
	q.Add("i", "msg2", nil, "")
	if len(last) != 1 {
		t.Error("unsubscribed listener still notified")
	}
}
