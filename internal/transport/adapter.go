// Package transport orchestrates one conversation turn against the
// operator-configured automation webhook: it builds the outbound payload,
// issues the request under the retry policy, feeds the response through
// the streaming decoder, and on terminal failure either queues the
// message or surfaces a classified error. The adapter owns no transcript
// state; it is an orchestrator over per-call arguments.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/flowchat/relay/internal/chaterr"
	"github.com/flowchat/relay/internal/events"
	"github.com/flowchat/relay/internal/queue"
	"github.com/flowchat/relay/internal/retry"
	"github.com/flowchat/relay/internal/session"
	"github.com/flowchat/relay/internal/stream"
)

// ErrAborted reports that a send was cancelled, either explicitly or by a
// newer send for the same instance. Cancellation is not a failure: the
// message is not queued and no error events fire.
var ErrAborted = errors.New("send aborted")

// maxErrorBody bounds how much of a failed response is read for
// classification.
const maxErrorBody = 64 * 1024

// ContextRefresher is invoked after each completed turn so the embedding
// layer can refresh page/cart context for subsequent sends.
type ContextRefresher func(ctx context.Context, instanceID string)

// Config sets up an Adapter.
type Config struct {
	WebhookURL string
	Timeout    time.Duration // per-attempt deadline
	Retry      retry.Config
}

// Result is the outcome of a successful Send call: either an assistant
// reply or a queued message, never both.
type Result struct {
	Reply  *Turn        `json:"reply,omitempty"`
	Queued *queue.Entry `json:"queued,omitempty"`
}

type call struct {
	id     string
	cancel context.CancelFunc
}

// Adapter relays conversation turns to the automation backend.
type Adapter struct {
	client   *http.Client
	bus      *events.Bus
	queue    *queue.Queue
	sessions *session.Manager
	logger   *slog.Logger
	refresh  ContextRefresher

	mu         sync.Mutex
	webhookURL string
	timeout    time.Duration
	retryCfg   retry.Config
	inflight   map[string]call
}

func New(cfg Config, bus *events.Bus, sessions *session.Manager, logger *slog.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client:     &http.Client{},
		bus:        bus,
		sessions:   sessions,
		logger:     logger,
		webhookURL: cfg.WebhookURL,
		timeout:    cfg.Timeout,
		retryCfg:   cfg.Retry,
		inflight:   make(map[string]call),
	}
}

// AttachQueue wires the offline queue the adapter hands fallback-class
// failures to. Wired after construction because the queue's delivery
// callback points back at the adapter.
func (a *Adapter) AttachQueue(q *queue.Queue) { a.queue = q }

// SetContextRefresher installs the collaborator notified after each
// completed turn.
func (a *Adapter) SetContextRefresher(fn ContextRefresher) { a.refresh = fn }

// WebhookURL returns the current webhook target.
func (a *Adapter) WebhookURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.webhookURL
}

// SetWebhookURL changes the webhook target at runtime.
func (a *Adapter) SetWebhookURL(url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.webhookURL = url
}

// RetryConfig returns the current retry policy.
func (a *Adapter) RetryConfig() retry.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retryCfg
}

// SetRetryConfig changes the retry policy at runtime.
func (a *Adapter) SetRetryConfig(cfg retry.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retryCfg = cfg
}

// webhookPayload is the outbound request body.
type webhookPayload struct {
	Action    string        `json:"action"`
	SessionID string        `json:"sessionId"`
	Messages  []wireMessage `json:"messages"`
	Context   map[string]any `json:"context,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Send relays one user turn. prior is the transcript so far, oldest
// first; pageContext rides along in the payload. onDelta receives each
// decoded fragment for incremental display and may be nil.
//
// Starting a Send while another is in flight for the same instance aborts
// the earlier one. An aborted send returns ErrAborted, fires no further
// events, and is never queued.
func (a *Adapter) Send(ctx context.Context, instanceID string, turn Turn, prior []Turn, pageContext map[string]any, onDelta func(stream.Delta)) (*Result, error) {
	a.mu.Lock()
	url := a.webhookURL
	timeout := a.timeout
	retryCfg := a.retryCfg
	a.mu.Unlock()

	if url == "" {
		return nil, chaterr.New(chaterr.CodeMissingWebhook, nil, nil)
	}
	if turn.Text() == "" {
		return nil, chaterr.New(chaterr.CodeEmptyMessage, nil, nil)
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	sendCtx, callID := a.begin(ctx, instanceID)
	defer a.finish(instanceID, callID)

	a.bus.Emit(events.MessageSent, instanceID, map[string]any{
		"message_id": turn.ID,
		"content":    turn.Text(),
	})

	sessionID := a.sessions.ID(ctx, instanceID)
	payload := webhookPayload{
		Action:    "sendMessage",
		SessionID: sessionID,
		Messages:  buildMessages(prior, turn),
		Context:   pageContext,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, chaterr.New(chaterr.CodeInternal, nil, fmt.Errorf("marshal payload: %w", err))
	}

	// The retry predicate is restricted to connection/timeout/5xx
	// failures; validation and auth failures never retry.
	retryCfg.ShouldRetry = func(r *chaterr.Record) bool {
		return r.Category == chaterr.CategoryConnection || r.Category == chaterr.CategoryExternal
	}

	var resp *http.Response
	var cancelAttempt context.CancelFunc
	op := func(opCtx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(opCtx, timeout)
		r, err := a.post(attemptCtx, url, body)
		if err != nil {
			cancel()
			return err
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			rec := classifyResponse(r)
			r.Body.Close()
			cancel()
			return rec
		}
		resp = r
		cancelAttempt = cancel
		return nil
	}
	onRetry := func(s retry.State) {
		a.logger.Info("retrying webhook request",
			"instance_id", instanceID, "attempt", s.Attempt,
			"next_delay", s.NextDelay, "error", s.LastErr.Code)
	}

	if err := retry.Do(sendCtx, retryCfg, op, onRetry); err != nil {
		if sendCtx.Err() != nil {
			return nil, ErrAborted
		}
		return a.handleSendFailure(instanceID, turn, chaterr.Classify(err, 0))
	}
	defer resp.Body.Close()
	defer cancelAttempt()

	assistant := &Turn{ID: uuid.NewString(), Role: RoleAssistant, CreatedAt: time.Now().UTC()}
	var full string
	emit := func(d stream.Delta) {
		if sendCtx.Err() != nil {
			return
		}
		if d.Text != "" {
			full += d.Text
			assistant.Parts = []Part{{Text: full}}
			a.bus.Emit(events.MessageStreaming, instanceID, map[string]any{
				"message_id": assistant.ID,
				"fragment":   d.Text,
				"text":       full,
			})
		}
		if onDelta != nil {
			onDelta(d)
		}
	}

	decoded, err := stream.Decode(resp.Header.Get("Content-Type"), resp.Body, emit)
	if sendCtx.Err() != nil {
		return nil, ErrAborted
	}
	if err != nil {
		return a.handleSendFailure(instanceID, turn, chaterr.Classify(err, 0))
	}
	if decoded == "" {
		return a.handleSendFailure(instanceID, turn,
			chaterr.New(chaterr.CodeEmptyResponse, nil, nil))
	}

	assistant.Parts = []Part{{Text: decoded}}
	a.bus.Emit(events.MessageReceived, instanceID, map[string]any{
		"message_id": assistant.ID,
		"text":       decoded,
	})
	a.bus.Emit(events.MessageComplete, instanceID, map[string]any{
		"message_id": assistant.ID,
	})
	a.sessions.IncrementMessageCount(ctx, instanceID)
	if a.refresh != nil {
		a.refresh(ctx, instanceID)
	}
	return &Result{Reply: assistant}, nil
}

// handleSendFailure routes a terminal failure: queueable errors move the
// message to the offline queue, everything else surfaces to the caller.
// Never both.
func (a *Adapter) handleSendFailure(instanceID string, turn Turn, rec *chaterr.Record) (*Result, error) {
	if e := a.maybeQueue(instanceID, turn, rec); e != nil {
		a.bus.Emit(events.MessageQueued, instanceID, map[string]any{
			"message_id": turn.ID,
			"queue_id":   e.ID,
		})
		a.bus.Emit(events.ConnectionError, instanceID, map[string]any{
			"code":   rec.Code,
			"queued": true,
		})
		a.logger.Warn("send failed, message queued",
			"instance_id", instanceID, "code", rec.Code, "queue_id", e.ID)
		return &Result{Queued: e}, nil
	}

	display := chaterr.FormatForDisplay(rec)
	a.bus.Emit(events.ErrorOccurred, instanceID, map[string]any{
		"code":    rec.Code,
		"title":   display.Title,
		"message": display.Message,
		"action":  display.Action,
	})
	a.logger.Error("send failed",
		"instance_id", instanceID, "code", rec.Code, "error", rec.Error())
	return nil, rec
}

func (a *Adapter) maybeQueue(instanceID string, turn Turn, rec *chaterr.Record) *queue.Entry {
	if !rec.Queueable || a.queue == nil {
		return nil
	}
	return a.queue.Add(instanceID, turn.Text(), turn.AttachmentURLs(), rec.Error())
}

// Deliver replays one queued entry with a single direct attempt. Used as
// the offline queue's send callback; the queue owns attempt counting, so
// no retry and no re-queueing happens here.
func (a *Adapter) Deliver(ctx context.Context, e queue.Entry) error {
	a.mu.Lock()
	url := a.webhookURL
	timeout := a.timeout
	a.mu.Unlock()
	if url == "" {
		return chaterr.New(chaterr.CodeMissingWebhook, nil, nil)
	}

	content := e.Content
	for _, u := range e.AttachmentURLs {
		content += "\n" + u
	}
	payload := webhookPayload{
		Action:    "sendMessage",
		SessionID: a.sessions.ID(ctx, e.InstanceID),
		Messages:  []wireMessage{{Role: string(RoleUser), Content: content}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return chaterr.New(chaterr.CodeInternal, nil, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := a.post(attemptCtx, url, body)
	if err != nil {
		return chaterr.Classify(err, 0)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}

// Abort cancels the in-flight send for an instance, if any.
func (a *Adapter) Abort(instanceID string) {
	a.mu.Lock()
	c, ok := a.inflight[instanceID]
	if ok {
		delete(a.inflight, instanceID)
	}
	a.mu.Unlock()
	if ok {
		c.cancel()
	}
}

// begin registers a new in-flight call for the instance, aborting any
// previous one so stale deltas cannot interleave with the new send.
func (a *Adapter) begin(ctx context.Context, instanceID string) (context.Context, string) {
	sendCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()

	a.mu.Lock()
	prev, had := a.inflight[instanceID]
	a.inflight[instanceID] = call{id: id, cancel: cancel}
	a.mu.Unlock()

	if had {
		prev.cancel()
	}
	return sendCtx, id
}

func (a *Adapter) finish(instanceID, callID string) {
	a.mu.Lock()
	if c, ok := a.inflight[instanceID]; ok && c.id == callID {
		delete(a.inflight, instanceID)
		c.cancel()
	}
	a.mu.Unlock()
}

func (a *Adapter) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Ask for streaming; the backend is free to ignore it.
	req.Header.Set("Accept", "text/event-stream")
	return a.client.Do(req)
}

// classifyResponse turns a non-2xx response into a Record, preferring a
// structured error payload from the backend when one is present.
func classifyResponse(r *http.Response) *chaterr.Record {
	raw, _ := io.ReadAll(io.LimitReader(r.Body, maxErrorBody))
	var backend chaterr.BackendError
	if json.Unmarshal(raw, &backend) == nil && backend.Code != "" {
		return chaterr.Classify(&backend, r.StatusCode)
	}
	return chaterr.Classify(fmt.Errorf("webhook returned status %d", r.StatusCode), r.StatusCode)
}

func buildMessages(prior []Turn, turn Turn) []wireMessage {
	msgs := make([]wireMessage, 0, len(prior)+1)
	for _, t := range prior {
		if t.Text() == "" {
			continue
		}
		msgs = append(msgs, wireMessage{Role: string(t.Role), Content: t.Text()})
	}
	msgs = append(msgs, wireMessage{Role: string(turn.Role), Content: turn.Text()})
	return msgs
}
