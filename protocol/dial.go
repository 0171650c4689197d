package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/client"

	"mailsync/models"
	"mailsync/utils"
)

// IMAPDialer dials go-imap clients according to the account's endpoint
type IMAPDialer struct {
	Mailbox        string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	TLSConfig      *tls.Config
	Logger         *utils.Logger
}

// NewIMAPDialer creates a dialer selecting the given mailbox
func NewIMAPDialer(mailbox string, dialTimeout, commandTimeout time.Duration, logger *utils.Logger) *IMAPDialer {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if logger == nil {
		logger = utils.Log
	}
	return &IMAPDialer{
		Mailbox:        mailbox,
		DialTimeout:    dialTimeout,
		CommandTimeout: commandTimeout,
		Logger:         logger.Component("imap"),
	}
}

// Dial connects, authenticates and selects the mailbox
func (d *IMAPDialer) Dial(ctx context.Context, account *models.Account) (Session, error) {
	c, err := d.Connect(ctx, account)
	if err != nil {
		return nil, err
	}

	s := &IMAPSession{
		client:  c,
		mailbox: d.Mailbox,
		log:     d.Logger.WithField("account", account.ID),
	}
	if _, err := s.selectMailbox(ctx); err != nil {
		c.Logout()
		return nil, err
	}
	return s, nil
}

// Connect opens an authenticated go-imap client without selecting a mailbox.
// The returned client is owned by the caller.
func (d *IMAPDialer) Connect(ctx context.Context, account *models.Account) (*client.Client, error) {
	addr := account.IMAP.Addr()
	log := d.Logger.WithField("account", account.ID)

	type result struct {
		c   *client.Client
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := d.dial(account)
		ch <- result{c, err}
	}()

	var c *client.Client
	select {
	case r := <-ch:
		if r.err != nil {
			log.Warn("dial %s failed: %v", addr, r.err)
			return nil, utils.ConnectionError(fmt.Sprintf("cannot connect to %s", addr), r.err)
		}
		c = r.c
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.c != nil {
				r.c.Terminate()
			}
		}()
		return nil, utils.ConnectionError("dial cancelled", ctx.Err())
	}

	c.ErrorLog = imapLogger{log}
	c.Timeout = d.CommandTimeout

	if err := c.Login(account.Credentials.Username, account.Credentials.Password); err != nil {
		c.Logout()
		if isConnectionErr(err) {
			return nil, utils.ConnectionError("connection lost during login", err)
		}
		log.Warn("IMAP login for %s rejected: %v", account.Credentials.Username, err)
		return nil, utils.AuthError("login rejected", err)
	}

	log.Debug("connected to %s", addr)
	return c, nil
}

func (d *IMAPDialer) dial(account *models.Account) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: d.DialTimeout}
	addr := account.IMAP.Addr()

	tlsConfig := d.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: account.IMAP.Host}
	}

	switch account.IMAP.Security {
	case models.SecurityPlain:
		return client.DialWithDialer(dialer, addr)
	case models.SecurityStartTLS:
		c, err := client.DialWithDialer(dialer, addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Terminate()
			return nil, fmt.Errorf("starttls: %w", err)
		}
		return c, nil
	default:
		return client.DialWithDialerTLS(dialer, addr, tlsConfig)
	}
}

// isConnectionErr tells transport failures apart from NO/BAD replies
func isConnectionErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, client.ErrNotLoggedIn) || errors.Is(err, client.ErrNoMailboxSelected) {
		return true
	}
	return strings.Contains(err.Error(), "connection closed")
}

// ClassifyError wraps a go-imap command error as a connection or protocol error
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectionErr(err) {
		return utils.ConnectionError(op+" failed", err)
	}
	return utils.ProtocolError(op+" failed", err)
}

// imapLogger routes go-imap's internal error log through our logger
type imapLogger struct {
	log *utils.Logger
}

func (l imapLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(format, v...)
}

func (l imapLogger) Println(v ...interface{}) {
	l.log.Debug("%s", strings.TrimSpace(fmt.Sprintln(v...)))
}
