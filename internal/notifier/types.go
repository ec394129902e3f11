package notifier

import (
	"context"
	"errors"
	"time"

	"shopwatch/internal/registry"
)

var (
	ErrDisabled = errors.New("notifier disabled")
	// ErrRateLimited is returned by a Provider when the provider asks us to slow down.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrTransient marks a provider failure worth retrying (network, 5xx).
	ErrTransient = errors.New("provider temporarily unavailable")
	// ErrInvalidRecipient is the per-ticket outcome for an unregistered device.
	ErrInvalidRecipient = errors.New("recipient invalid")
)

// Config controls the outbound pipeline.
type Config struct {
	Enabled          bool
	BatchSize        int
	RateLimit        int           // requests per RateInterval
	RateInterval     time.Duration // default 1s
	MinDelay         time.Duration // minimum gap between provider requests
	RetryDelays      []time.Duration
	RetryMax         int
	FailureThreshold int
	RequestTimeout   time.Duration
	HistorySize      int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 6
	}
	if c.RateInterval <= 0 {
		c.RateInterval = time.Second
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

// Request is one logical notification to many recipients.
type Request struct {
	Recipients []registry.Recipient
	Title      string
	Body       string
	Data       map[string]any
}

// RecipientIDs lists the request's recipient ids in order.
func (r Request) RecipientIDs() []string {
	ids := make([]string, 0, len(r.Recipients))
	for _, rc := range r.Recipients {
		ids = append(ids, rc.ID)
	}
	return ids
}

// Result reports the outcome. Success means every recipient was accepted by the provider.
type Result struct {
	Success            bool     `json:"success"`
	FailedRecipientIDs []string `json:"failedRecipientIds"`
	Delivered          []string `json:"-"`
	Deactivated        []string `json:"-"`
}

// PushMessage is one provider message.
type PushMessage struct {
	To       string         `json:"to"`
	Title    string         `json:"title,omitempty"`
	Body     string         `json:"body,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Sound    string         `json:"sound,omitempty"`
	Priority string         `json:"priority,omitempty"`
}

// Ticket is the provider's per-message answer, in request order.
type Ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details"`
}

func (t Ticket) OK() bool { return t.Status == "ok" }

// Invalid reports a recipient that will never accept messages again.
func (t Ticket) Invalid() bool { return t.Details.Error == "DeviceNotRegistered" }

// Provider delivers one batch. It returns ErrRateLimited or ErrTransient (wrapped) for
// retryable failures.
type Provider interface {
	Push(ctx context.Context, msgs []PushMessage) ([]Ticket, error)
}

// Recipients is the registry surface used here.
type Recipients interface {
	ByItem(ctx context.Context, itemID string) ([]registry.Recipient, error)
	ByCategory(ctx context.Context, category string) ([]registry.Recipient, error)
	ForWeather(ctx context.Context) ([]registry.Recipient, error)
	ForVendor(ctx context.Context) ([]registry.Recipient, error)
	MarkInactive(ctx context.Context, ids []string) error
	TouchLastUsed(ctx context.Context, ids []string, at time.Time) error
}

// HistoryItem is one sent notification.
type HistoryItem struct {
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	Key        string    `json:"key"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Recipients int       `json:"recipients"`
	Failed     int       `json:"failed"`
}

// NotificationEvent is published on the event bus after each send.
type NotificationEvent struct {
	Kind       string    `json:"kind"`
	Key        string    `json:"key"`
	Recipients int       `json:"recipients"`
	Failed     int       `json:"failed"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}
