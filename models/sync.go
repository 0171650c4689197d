package models

import "time"

// Source tells a caller where returned data came from
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// EmailList is the answer to a cache-first list request
type EmailList struct {
	Emails       []MessageRecord `json:"emails"`
	Source       Source          `json:"source"`
	LastSyncedAt time.Time       `json:"last_synced_at"`
	IsRefreshing bool            `json:"is_refreshing"`
}

// ContentResult carries a message body and how long it took to obtain
type ContentResult struct {
	Content     EmailContent `json:"content"`
	Source      Source       `json:"source"`
	FetchTimeMs int64        `json:"fetch_time_ms"`
}

// SearchHit is a search result tagged with its origin
type SearchHit struct {
	MessageRecord
	Source Source `json:"source"`
}

// SearchResult groups search hits
type SearchResult struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
	Remote  bool        `json:"remote"` // true if the mailbox was queried
}

// CacheStats summarises the cached snapshot of one account
type CacheStats struct {
	Count       int       `json:"count"`
	UnreadCount int       `json:"unread_count"`
	Oldest      time.Time `json:"oldest"`
	Newest      time.Time `json:"newest"`
}

// SyncStatus reports refresh bookkeeping plus cache statistics
type SyncStatus struct {
	AccountID    string     `json:"account_id"`
	LastSyncedAt time.Time  `json:"last_synced_at"`
	IsRefreshing bool       `json:"is_refreshing"`
	LastError    string     `json:"last_error,omitempty"`
	Cache        CacheStats `json:"cache"`
}
