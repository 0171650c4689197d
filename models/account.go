package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transport security modes for IMAP/SMTP endpoints
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityPlain    = "plain"
)

// Endpoint is a mail server address together with its transport security mode
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Security string `json:"security"`
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Credentials are decrypted login credentials; they only live in memory
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// Account represents an email account configuration
type Account struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	DisplayName string      `json:"display_name"`
	Email       string      `json:"email"`
	Credentials Credentials `json:"credentials"`
	IMAP        Endpoint    `json:"imap"`
	SMTP        Endpoint    `json:"smtp"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SameMailbox reports whether b still points at the mailbox of a: the same
// IMAP server and login. Security mode and password changes keep it.
func (a *Account) SameMailbox(b *Account) bool {
	return strings.EqualFold(a.IMAP.Host, b.IMAP.Host) &&
		a.IMAP.Port == b.IMAP.Port &&
		a.Credentials.Username == b.Credentials.Username
}

// Validate checks the account right after its credentials were decrypted
func (a *Account) Validate() error {
	if a.ID == "" {
		return errors.New("account id is empty")
	}
	if a.IMAP.Host == "" {
		return errors.New("imap host is empty")
	}
	if a.IMAP.Port <= 0 || a.IMAP.Port > 65535 {
		return fmt.Errorf("imap port %d out of range", a.IMAP.Port)
	}
	switch strings.ToLower(a.IMAP.Security) {
	case SecurityTLS, SecurityStartTLS, SecurityPlain:
		a.IMAP.Security = strings.ToLower(a.IMAP.Security)
	case "":
		a.IMAP.Security = SecurityTLS
	default:
		return fmt.Errorf("unknown imap security mode %q", a.IMAP.Security)
	}
	if a.Credentials.Username == "" {
		a.Credentials.Username = a.Email
	}
	if a.Credentials.Username == "" {
		return errors.New("imap username is empty")
	}
	return nil
}
