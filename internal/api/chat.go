package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/flowchat/relay/internal/chaterr"
	"github.com/flowchat/relay/internal/events"
	"github.com/flowchat/relay/internal/queue"
	"github.com/flowchat/relay/internal/stream"
	"github.com/flowchat/relay/internal/transport"
)

// sendRequest is the widget's send payload. Prior turns ride along so the
// relay stays stateless about transcripts.
type sendRequest struct {
	Message        string           `json:"message"`
	AttachmentURLs []string         `json:"attachment_urls,omitempty"`
	Prior          []transport.Turn `json:"prior,omitempty"`
	Context        map[string]any   `json:"context,omitempty"`
}

// send relays one turn. Clients that accept text/event-stream get deltas
// as they decode; everyone else gets a buffered JSON result.
func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instance")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	turn := transport.Turn{Role: transport.RoleUser, CreatedAt: time.Now().UTC()}
	if req.Message != "" {
		turn.Parts = append(turn.Parts, transport.Part{Text: req.Message})
	}
	for _, u := range req.AttachmentURLs {
		turn.Parts = append(turn.Parts, transport.Part{FileURL: u})
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.sendStreaming(w, r, instanceID, turn, req)
		return
	}

	res, err := s.adapter.Send(r.Context(), instanceID, turn, req.Prior, req.Context, nil)
	if err != nil {
		if errors.Is(err, transport.ErrAborted) {
			writeJSON(w, http.StatusOK, map[string]any{"aborted": true})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// sendStreaming relays deltas to the widget as server-sent events, ending
// with a [DONE] marker mirroring the upstream wire format.
func (s *Server) sendStreaming(w http.ResponseWriter, r *http.Request, instanceID string, turn transport.Turn, req sendRequest) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		fl.Flush()
	}

	res, err := s.adapter.Send(r.Context(), instanceID, turn, req.Prior, req.Context,
		func(d stream.Delta) {
			if d.Text != "" {
				writeFrame(map[string]string{"text": d.Text})
			}
		})
	switch {
	case errors.Is(err, transport.ErrAborted):
		writeFrame(map[string]bool{"aborted": true})
	case err != nil:
		writeFrame(map[string]any{"error": errorBody(err)})
	case res.Queued != nil:
		writeFrame(map[string]any{"queued": res.Queued})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	fl.Flush()
}

const maxUploadBytes = 25 << 20

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instance")
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart body"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file field required"})
		return
	}
	defer file.Close()

	filename := r.FormValue("filename")
	if filename == "" {
		filename = header.Filename
	}

	url, err := s.adapter.UploadFile(r.Context(), instanceID, filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	s.adapter.Abort(chi.URLParam(r, "instance"))
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

// opened and closed let the widget report its panel lifecycle so
// out-of-process observers (analytics, proactive triggers) see it.
func (s *Server) opened(w http.ResponseWriter, r *http.Request) {
	s.bus.Emit(events.ChatOpened, chi.URLParam(r, "instance"), nil)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) closed(w http.ResponseWriter, r *http.Request) {
	s.bus.Emit(events.ChatClosed, chi.URLParam(r, "instance"), nil)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instance")
	ctx := r.Context()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":       s.sessions.ID(ctx, instanceID),
		"message_count":    s.sessions.MessageCount(ctx, instanceID),
		"started_at":       s.sessions.StartedAt(ctx, instanceID),
		"duration_seconds": int(s.sessions.Duration(ctx, instanceID).Seconds()),
	})
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instance")
	id := s.sessions.Reset(r.Context(), instanceID)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instance")
	entries := s.queue.GetByInstance(instanceID)
	if entries == nil {
		entries = []queue.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"size":    s.queue.Size(),
	})
}

func (s *Server) processQueue(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instance")
	sent, failed := s.queue.Process(r.Context())
	s.bus.Emit(events.QueueProcessed, instanceID, map[string]any{
		"sent":   sent,
		"failed": failed,
	})
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent, "failed": failed})
}

func errorBody(err error) map[string]any {
	rec := chaterr.Classify(err, 0)
	return map[string]any{
		"code":    rec.Code,
		"display": chaterr.FormatForDisplay(rec),
	}
}
