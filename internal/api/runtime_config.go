package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// runtimeConfig is the mutable slice of relay configuration exposed to
// embedding pages: the webhook target, retry knobs, and queue bounds.
// Instance identity and persistence are fixed per process.
type runtimeConfig struct {
	WebhookURL        string `json:"webhook_url"`
	RetryMaxAttempts  int    `json:"retry_max_attempts"`
	RetryInitialDelay string `json:"retry_initial_delay"`
	RetryMaxDelay     string `json:"retry_max_delay"`
	QueueMaxSize      int    `json:"queue_max_size"`
	QueueMaxAttempts  int    `json:"queue_max_attempts"`
}

type runtimeConfigPatch struct {
	WebhookURL        *string `json:"webhook_url"`
	RetryMaxAttempts  *int    `json:"retry_max_attempts"`
	RetryInitialDelay *string `json:"retry_initial_delay"`
	RetryMaxDelay     *string `json:"retry_max_delay"`
	QueueMaxSize      *int    `json:"queue_max_size"`
	QueueMaxAttempts  *int    `json:"queue_max_attempts"`
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	rc := s.adapter.RetryConfig()
	qSize, qAttempts := s.queue.Limits()
	writeJSON(w, http.StatusOK, runtimeConfig{
		WebhookURL:        s.adapter.WebhookURL(),
		RetryMaxAttempts:  rc.MaxAttempts,
		RetryInitialDelay: rc.InitialDelay.String(),
		RetryMaxDelay:     rc.MaxDelay.String(),
		QueueMaxSize:      qSize,
		QueueMaxAttempts:  qAttempts,
	})
}

func (s *Server) patchConfig(w http.ResponseWriter, r *http.Request) {
	var patch runtimeConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if patch.WebhookURL != nil {
		s.adapter.SetWebhookURL(*patch.WebhookURL)
		s.logger.Info("webhook url updated")
	}

	rc := s.adapter.RetryConfig()
	if patch.RetryMaxAttempts != nil && *patch.RetryMaxAttempts > 0 {
		rc.MaxAttempts = *patch.RetryMaxAttempts
	}
	if patch.RetryInitialDelay != nil {
		if d, err := time.ParseDuration(*patch.RetryInitialDelay); err == nil && d > 0 {
			rc.InitialDelay = d
		}
	}
	if patch.RetryMaxDelay != nil {
		if d, err := time.ParseDuration(*patch.RetryMaxDelay); err == nil && d > 0 {
			rc.MaxDelay = d
		}
	}
	s.adapter.SetRetryConfig(rc)

	if patch.QueueMaxSize != nil || patch.QueueMaxAttempts != nil {
		size, attempts := 0, 0
		if patch.QueueMaxSize != nil {
			size = *patch.QueueMaxSize
		}
		if patch.QueueMaxAttempts != nil {
			attempts = *patch.QueueMaxAttempts
		}
		s.queue.SetLimits(size, attempts)
	}

	s.getConfig(w, r)
}
