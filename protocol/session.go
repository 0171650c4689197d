package protocol

import (
	"context"
	"time"

	"github.com/emersion/go-imap"

	"mailsync/models"
)

// PreviewBytes is how many octets of the preview part are fetched per message
const PreviewBytes = 1024

// RawMessage is the undecoded protocol view of one message
type RawMessage struct {
	UID           uint32
	Flags         []string
	Envelope      *imap.Envelope
	BodyStructure *imap.BodyStructure
	Size          uint32
	InternalDate  time.Time
	// Header holds the raw bytes of the selected header fields
	Header []byte
	// PreviewBytes is the leading slice of PreviewPart's body, still transfer-encoded
	PreviewBytes []byte
	PreviewPart  *imap.BodyStructure
}

// FullMessage is a complete message as returned by BODY.PEEK[]
type FullMessage struct {
	UID           uint32
	Flags         []string
	BodyStructure *imap.BodyStructure
	Raw           []byte
}

// Session is one authenticated connection with a selected mailbox.
// Implementations are not safe for concurrent use.
type Session interface {
	// UIDValidity of the mailbox as of the last select
	UIDValidity() uint32
	FetchRecent(ctx context.Context, limit int) ([]RawMessage, error)
	FetchByUIDs(ctx context.Context, uids []uint32) ([]RawMessage, error)
	FetchMessage(ctx context.Context, uid uint32) (*FullMessage, error)
	FetchPart(ctx context.Context, uid uint32, path []int) ([]byte, error)
	SetSeen(ctx context.Context, uid uint32, seen bool) error
	Delete(ctx context.Context, uid uint32) error
	Search(ctx context.Context, query string) ([]uint32, error)
	Noop(ctx context.Context) error
	Close() error
}

// Dialer opens sessions for accounts
type Dialer interface {
	Dial(ctx context.Context, account *models.Account) (Session, error)
}
