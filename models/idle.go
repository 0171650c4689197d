package models

import "time"

// EventKind classifies mailbox change notifications
type EventKind string

const (
	EventNewMessage    EventKind = "new_message"
	EventFlagsChanged  EventKind = "flags_changed"
	EventExpunge       EventKind = "expunge"
	EventMailboxStatus EventKind = "mailbox_status"
)

// MailboxEvent is a change pushed by the server for one account
type MailboxEvent struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Kind      EventKind `json:"kind"`
	SeqNum    uint32    `json:"seq_num,omitempty"`
	UID       uint32    `json:"uid,omitempty"`
	Flags     []string  `json:"flags,omitempty"`
	Messages  uint32    `json:"messages,omitempty"`
	Time      time.Time `json:"time"`
}

// IdleStatus describes the push connection of an account
type IdleStatus struct {
	AccountID          string    `json:"account_id"`
	State              string    `json:"state"`
	IsConnected        bool      `json:"is_connected"`
	IsIdling           bool      `json:"is_idling"`
	LastActivity       time.Time `json:"last_activity"`
	ConnectionAttempts int       `json:"connection_attempts"`
	LastError          string    `json:"last_error,omitempty"`
}

// PollResult is the outcome of a manual poll while idling
type PollResult struct {
	AccountID string    `json:"account_id"`
	Messages  uint32    `json:"messages"`
	UIDNext   uint32    `json:"uid_next"`
	Changed   bool      `json:"changed"`
	PolledAt  time.Time `json:"polled_at"`
}
