package idle

import (
	"context"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"mailsync/models"
	"mailsync/protocol"
	"mailsync/utils"
)

// MailboxStatus is the part of a SELECT response the manager tracks
type MailboxStatus struct {
	Messages    uint32
	UIDNext     uint32
	UIDValidity uint32
}

// Update is an unsolicited server response received while idling
type Update struct {
	Kind     models.EventKind
	SeqNum   uint32
	UID      uint32
	Flags    []string
	Messages uint32
}

// Conn is an authenticated connection with the watched mailbox selected.
// Close may be called from any goroutine and unblocks Idle.
type Conn interface {
	Status() MailboxStatus
	Idle(stop <-chan struct{}) error
	Updates() <-chan Update
	Poll(ctx context.Context) (MailboxStatus, error)
	Close() error
}

// Dialer opens push connections
type Dialer interface {
	Dial(ctx context.Context, account *models.Account) (Conn, error)
}

// IMAPDialer opens go-imap connections for IDLE
type IMAPDialer struct {
	connector *protocol.IMAPDialer
	mailbox   string
	keepalive time.Duration
	log       *utils.Logger
}

// NewIMAPDialer reuses connector for login and watches mailbox.
// IDLE is re-issued every keepalive so servers do not drop the connection.
func NewIMAPDialer(connector *protocol.IMAPDialer, mailbox string, keepalive time.Duration, logger *utils.Logger) *IMAPDialer {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if logger == nil {
		logger = utils.Log
	}
	return &IMAPDialer{
		connector: connector,
		mailbox:   mailbox,
		keepalive: keepalive,
		log:       logger.Component("idle"),
	}
}

func (d *IMAPDialer) Dial(ctx context.Context, account *models.Account) (Conn, error) {
	c, err := d.connector.Connect(ctx, account)
	if err != nil {
		return nil, err
	}

	raw := make(chan client.Update, 64)
	c.Updates = raw

	status, err := c.Select(d.mailbox, true)
	if err != nil {
		c.Logout()
		return nil, protocol.ClassifyError("select "+d.mailbox, err)
	}

	conn := &imapConn{
		client:    c,
		mailbox:   d.mailbox,
		keepalive: d.keepalive,
		raw:       raw,
		updates:   make(chan Update, 64),
		closed:    make(chan struct{}),
		status:    statusOf(status),
		log:       d.log.WithField("account", account.ID),
	}
	go conn.translate()
	return conn, nil
}

type imapConn struct {
	client    *client.Client
	mailbox   string
	keepalive time.Duration
	raw       chan client.Update
	updates   chan Update
	closed    chan struct{}
	closeOnce sync.Once
	log       *utils.Logger

	mu     sync.Mutex
	status MailboxStatus
}

func statusOf(s *imap.MailboxStatus) MailboxStatus {
	if s == nil {
		return MailboxStatus{}
	}
	return MailboxStatus{Messages: s.Messages, UIDNext: s.UidNext, UIDValidity: s.UidValidity}
}

func (c *imapConn) Status() MailboxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// translate turns go-imap updates into Updates until the connection closes
func (c *imapConn) translate() {
	for {
		var raw client.Update
		select {
		case <-c.closed:
			return
		case raw = <-c.raw:
		}

		var u Update
		switch v := raw.(type) {
		case *client.MailboxUpdate:
			if v.Mailbox == nil {
				continue
			}
			u = Update{Kind: models.EventMailboxStatus, Messages: v.Mailbox.Messages}
		case *client.MessageUpdate:
			if v.Message == nil {
				continue
			}
			u = Update{Kind: models.EventFlagsChanged, SeqNum: v.Message.SeqNum, UID: v.Message.Uid, Flags: v.Message.Flags}
		case *client.ExpungeUpdate:
			u = Update{Kind: models.EventExpunge, SeqNum: v.SeqNum}
		default:
			continue
		}

		select {
		case c.updates <- u:
		case <-c.closed:
			return
		}
	}
}

func (c *imapConn) Updates() <-chan Update {
	return c.updates
}

func (c *imapConn) Idle(stop <-chan struct{}) error {
	err := c.client.Idle(stop, &client.IdleOptions{
		LogoutTimeout: c.keepalive,
		PollInterval:  time.Minute,
	})
	return protocol.ClassifyError("idle", err)
}

// Poll asks for pending updates with NOOP and re-reads the mailbox status.
// IDLE must not be running.
func (c *imapConn) Poll(ctx context.Context) (MailboxStatus, error) {
	type result struct {
		status *imap.MailboxStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		if err := c.client.Noop(); err != nil {
			done <- result{err: protocol.ClassifyError("noop", err)}
			return
		}
		status, err := c.client.Select(c.mailbox, true)
		done <- result{status, protocol.ClassifyError("select "+c.mailbox, err)}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return MailboxStatus{}, r.err
		}
		st := statusOf(r.status)
		c.mu.Lock()
		c.status = st
		c.mu.Unlock()
		return st, nil
	case <-ctx.Done():
		c.Close()
		<-done
		return MailboxStatus{}, ctx.Err()
	}
}

// Close drops the connection without a LOGOUT round trip
func (c *imapConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.client.Terminate()
		c.log.Debug("IDLE connection closed")
	})
	return err
}
