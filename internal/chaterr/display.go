package chaterr

// Display is the user-facing rendering of a Record. Raw exception text is
// never included.
type Display struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

var titles = map[Category]string{
	CategoryConnection:     "Connection problem",
	CategoryAuthentication: "Sign-in required",
	CategoryValidation:     "Check your message",
	CategoryFile:           "File problem",
	CategoryConfiguration:  "Chat unavailable",
	CategoryRateLimit:      "Slow down",
	CategorySession:        "Conversation ended",
	CategoryInternal:       "Something went wrong",
	CategoryExternal:       "Service problem",
}

var actions = map[Recovery]string{
	RecoveryRetry:      "Try again",
	RecoveryRefresh:    "Refresh the page",
	RecoveryLogin:      "Sign in",
	RecoveryReconnect:  "Reconnect",
	RecoveryNewSession: "Start a new conversation",
	RecoveryWait:       "Wait a moment",
}

// FormatForDisplay renders a Record as a titled, category-specific message
// with an optional recovery affordance.
func FormatForDisplay(r *Record) Display {
	title, ok := titles[r.Category]
	if !ok {
		title = titles[CategoryInternal]
	}
	return Display{
		Title:   title,
		Message: r.Message,
		Action:  actions[r.Recovery],
	}
}
