package models

import "time"

// Notification types pushed to SSE and websocket subscribers
const (
	NotifyRefreshCompleted = "refresh_completed"
	NotifyRefreshFailed    = "refresh_failed"
	NotifyStatusChange     = "status_change"
	NotifyDeleted          = "deleted"
	NotifyMailboxEvent     = "mailbox_event"
)

// Notification represents a real-time notification
type Notification struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	AccountID string                 `json:"account_id"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Time      time.Time              `json:"time"`
}
