package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/flowchat/relay/internal/chaterr"
)

// uploadResponse accepts both field spellings the backend may use.
type uploadResponse struct {
	URL     string `json:"url"`
	FileURL string `json:"fileUrl"`
}

// UploadFile sends a file to the webhook as multipart/form-data and
// returns the URL the backend stored it under.
func (a *Adapter) UploadFile(ctx context.Context, instanceID, filename string, file io.Reader) (string, error) {
	a.mu.Lock()
	url := a.webhookURL
	timeout := a.timeout
	a.mu.Unlock()
	if url == "" {
		return "", chaterr.New(chaterr.CodeMissingWebhook, nil, nil)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("action", "uploadFile"); err != nil {
		return "", chaterr.New(chaterr.CodeUploadFailed, nil, err)
	}
	if err := w.WriteField("sessionId", a.sessions.ID(ctx, instanceID)); err != nil {
		return "", chaterr.New(chaterr.CodeUploadFailed, nil, err)
	}
	if err := w.WriteField("filename", filename); err != nil {
		return "", chaterr.New(chaterr.CodeUploadFailed, nil, err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", chaterr.New(chaterr.CodeUploadFailed, nil, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", chaterr.New(chaterr.CodeUploadFailed, nil, err)
	}
	if err := w.Close(); err != nil {
		return "", chaterr.New(chaterr.CodeUploadFailed, nil, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, &buf)
	if err != nil {
		return "", chaterr.New(chaterr.CodeUploadFailed, nil, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return "", chaterr.Classify(err, 0)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyResponse(resp)
	}

	var parsed uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&parsed); err != nil {
		return "", chaterr.New(chaterr.CodeUploadFailed, nil, fmt.Errorf("decode upload response: %w", err))
	}
	if parsed.URL != "" {
		return parsed.URL, nil
	}
	if parsed.FileURL != "" {
		return parsed.FileURL, nil
	}
	return "", chaterr.New(chaterr.CodeUploadFailed, nil, fmt.Errorf("upload response carried no url"))
}
