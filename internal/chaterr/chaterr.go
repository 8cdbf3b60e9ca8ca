// Package chaterr maps raw failures to a closed taxonomy of chat errors.
// Classification is total: every input produces a Record, because a failure
// to classify a failure must not itself fail.
package chaterr

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Category groups error codes by origin.
type Category string

const (
	CategoryConnection     Category = "connection"
	CategoryAuthentication Category = "authentication"
	CategoryValidation     Category = "validation"
	CategoryFile           Category = "file"
	CategoryConfiguration  Category = "configuration"
	CategoryRateLimit      Category = "rate_limit"
	CategorySession        Category = "session"
	CategoryInternal       Category = "internal"
	CategoryExternal       Category = "external"
)

// Recovery is the action a caller should take for a given error.
type Recovery string

const (
	RecoveryRetry      Recovery = "retry"
	RecoveryRefresh    Recovery = "refresh"
	RecoveryLogin      Recovery = "login"
	RecoveryReconnect  Recovery = "reconnect"
	RecoveryNewSession Recovery = "new_session"
	RecoveryFallback   Recovery = "fallback"
	RecoveryWait       Recovery = "wait"
	RecoveryNone       Recovery = "none"
)

// Record is a classified error. Immutable after creation.
type Record struct {
	Code      string
	Category  Category
	Message   string
	Recovery  Recovery
	Retryable bool
	Queueable bool
	Context   map[string]string
	Cause     error
}

func (r *Record) Error() string {
	if r.Cause != nil {
		return r.Code + ": " + r.Message + ": " + r.Cause.Error()
	}
	return r.Code + ": " + r.Message
}

func (r *Record) Unwrap() error { return r.Cause }

// Error codes. The set is closed: unknown codes classify as ErrInternal.
const (
	CodeNetworkUnreachable = "E1001"
	CodeTimeout            = "E1002"
	CodeSecureChannel      = "E1003"
	CodeSessionExpired     = "E2001"
	CodeInvalidCredentials = "E2002"
	CodeForbidden          = "E2003"
	CodeEmptyMessage       = "E3001"
	CodeMessageTooLong     = "E3002"
	CodeInvalidInstance    = "E3003"
	CodeFileTooLarge       = "E4001"
	CodeFileType           = "E4002"
	CodeTooManyFiles       = "E4003"
	CodeUploadFailed       = "E4004"
	CodeMissingWebhook     = "E5001"
	CodeInvalidWebhook     = "E5002"
	CodeRateLimited        = "E6001"
	CodeSessionNotFound    = "E7001"
	CodeInternal           = "E8001"
	CodeStorageFailure     = "E8002"
	CodeBackendError       = "E9001"
	CodeEmptyResponse      = "E9002"
	CodeBackendUnavailable = "E9003"
)

type definition struct {
	category Category
	template string
	recovery Recovery
}

var definitions = map[string]definition{
	CodeNetworkUnreachable: {CategoryConnection, "Could not reach the chat service", RecoveryRetry},
	CodeTimeout:            {CategoryConnection, "The chat service took too long to respond", RecoveryRetry},
	CodeSecureChannel:      {CategoryConnection, "A secure connection could not be established", RecoveryFallback},
	CodeSessionExpired:     {CategoryAuthentication, "Your session has expired", RecoveryRefresh},
	CodeInvalidCredentials: {CategoryAuthentication, "The chat service rejected the credentials", RecoveryLogin},
	CodeForbidden:          {CategoryAuthentication, "Access to the chat service was denied", RecoveryLogin},
	CodeEmptyMessage:       {CategoryValidation, "Message cannot be empty", RecoveryNone},
	CodeMessageTooLong:     {CategoryValidation, "Message exceeds the {max_length} character limit", RecoveryNone},
	CodeInvalidInstance:    {CategoryValidation, "Unknown chat instance", RecoveryNone},
	CodeFileTooLarge:       {CategoryFile, "File exceeds the {max_size} limit", RecoveryNone},
	CodeFileType:           {CategoryFile, "File type is not allowed ({allowed_types})", RecoveryNone},
	CodeTooManyFiles:       {CategoryFile, "At most {max_files} files can be attached", RecoveryNone},
	CodeUploadFailed:       {CategoryFile, "The file could not be uploaded", RecoveryRetry},
	CodeMissingWebhook:     {CategoryConfiguration, "No webhook URL is configured for this instance", RecoveryNone},
	CodeInvalidWebhook:     {CategoryConfiguration, "The configured webhook URL is invalid", RecoveryNone},
	CodeRateLimited:        {CategoryRateLimit, "Too many messages, please slow down", RecoveryWait},
	CodeSessionNotFound:    {CategorySession, "The conversation could not be found", RecoveryNewSession},
	CodeInternal:           {CategoryInternal, "Something went wrong", RecoveryNone},
	CodeStorageFailure:     {CategoryInternal, "Local storage is unavailable", RecoveryRetry},
	CodeBackendError:       {CategoryExternal, "The automation backend reported an error", RecoveryFallback},
	CodeEmptyResponse:      {CategoryExternal, "The automation backend returned an empty response", RecoveryRetry},
	CodeBackendUnavailable: {CategoryExternal, "The automation backend is unavailable", RecoveryFallback},
}

// BackendError is a structured error payload supplied by the automation
// backend itself. Known codes pass through classification directly.
type BackendError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Recovery string `json:"recovery"`
}

func (e *BackendError) Error() string { return e.Code + ": " + e.Message }

// New builds a Record for a known code, interpolating {placeholder} tokens
// in the message template from ctx. Unknown codes yield the generic
// internal record.
func New(code string, ctx map[string]string, cause error) *Record {
	def, ok := definitions[code]
	if !ok {
		code = CodeInternal
		def = definitions[CodeInternal]
	}
	return &Record{
		Code:      code,
		Category:  def.category,
		Message:   interpolate(def.template, ctx),
		Recovery:  def.recovery,
		Retryable: def.recovery == RecoveryRetry,
		Queueable: def.recovery == RecoveryFallback,
		Context:   ctx,
		Cause:     cause,
	}
}

// Classify maps a raw failure to a Record. httpStatus is the response
// status when one was received, or 0. Never returns nil.
func Classify(err error, httpStatus int) *Record {
	var rec *Record
	if errors.As(err, &rec) {
		return rec
	}

	var backend *BackendError
	if errors.As(err, &backend) {
		if _, known := definitions[backend.Code]; known {
			return New(backend.Code, nil, err)
		}
		return New(CodeInternal, nil, err)
	}

	if httpStatus > 0 {
		if r := classifyStatus(httpStatus, err); r != nil {
			return r
		}
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return New(CodeTimeout, nil, err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return New(CodeTimeout, nil, err)
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return New(CodeNetworkUnreachable, nil, err)
		}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "tls") || strings.Contains(msg, "certificate"):
			return New(CodeSecureChannel, nil, err)
		case strings.Contains(msg, "connection refused"),
			strings.Contains(msg, "connection reset"),
			strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"),
			strings.Contains(msg, "broken pipe"),
			strings.Contains(msg, "eof"):
			return New(CodeNetworkUnreachable, nil, err)
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return New(CodeNetworkUnreachable, nil, err)
		}
	}

	return New(CodeInternal, nil, err)
}

func classifyStatus(status int, cause error) *Record {
	switch {
	case status == 401:
		return New(CodeSessionExpired, nil, cause)
	case status == 403:
		return New(CodeForbidden, nil, cause)
	case status == 413:
		return New(CodeFileTooLarge, nil, cause)
	case status == 415:
		return New(CodeFileType, nil, cause)
	case status == 429:
		return New(CodeRateLimited, nil, cause)
	case status == 503:
		return New(CodeBackendUnavailable, nil, cause)
	case status >= 500:
		return New(CodeBackendError, nil, cause)
	case status >= 400:
		return New(CodeInternal, nil, cause)
	}
	return nil
}

func interpolate(template string, ctx map[string]string) string {
	if len(ctx) == 0 || !strings.Contains(template, "{") {
		return template
	}
	out := template
	for k, v := range ctx {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
