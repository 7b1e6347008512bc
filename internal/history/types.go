package history

import (
	"context"
	"time"
)

// SendRecord stores the outcome of one outbound message attempt.
type SendRecord struct {
	ID         string    `json:"id"`
	AccountKey string    `json:"account_key"`
	Recipient  string    `json:"recipient"`
	Kind       string    `json:"kind"` // text or media
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists and retrieves the per-account send history.
type Store interface {
	RecordSend(ctx context.Context, record SendRecord) error
	RecentSends(ctx context.Context, accountKey string, limit int) ([]SendRecord, error)
	Close() error
}
