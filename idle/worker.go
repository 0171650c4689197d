package idle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailsync/models"
	"mailsync/utils"
)

type pollResult struct {
	status  MailboxStatus
	changed bool
	err     error
}

type pollRequest struct {
	ctx   context.Context
	reply chan pollResult
}

// worker owns the push connection of one account
type worker struct {
	account *models.Account
	m       *Manager
	log     *utils.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	polls  chan pollRequest

	mu           sync.Mutex
	state        State
	conn         Conn
	attempts     int
	lastActivity time.Time
	lastError    string
	mailbox      MailboxStatus
}

func newWorker(m *Manager, account *models.Account) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		account: account,
		m:       m,
		log:     m.log.WithField("account", account.ID),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		polls:   make(chan pollRequest),
	}
}

func (w *worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *worker) touch() {
	w.mu.Lock()
	w.lastActivity = w.m.now()
	w.mu.Unlock()
}

func (w *worker) status() models.IdleStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return models.IdleStatus{
		AccountID:          w.account.ID,
		State:              w.state.String(),
		IsConnected:        w.state.Connected(),
		IsIdling:           w.state == StateIdling,
		LastActivity:       w.lastActivity,
		ConnectionAttempts: w.attempts,
		LastError:          w.lastError,
	}
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// stop cancels the worker and closes its connection so a blocked IDLE
// returns, then waits for the goroutine to end.
func (w *worker) stop() {
	w.cancel()
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	<-w.done
}

func (w *worker) run() {
	defer close(w.done)
	defer w.setState(StateDisconnected)

	for {
		if w.ctx.Err() != nil {
			return
		}

		w.setState(StateConnecting)
		conn, err := w.m.dialer.Dial(w.ctx, w.account)
		if err == nil {
			w.mu.Lock()
			w.conn = conn
			w.attempts = 0
			w.lastError = ""
			w.mailbox = conn.Status()
			w.lastActivity = w.m.now()
			w.mu.Unlock()
			w.log.Info("IDLE connected")

			err = w.session(conn)
			conn.Close()

			w.mu.Lock()
			w.conn = nil
			w.mu.Unlock()
		}
		if w.ctx.Err() != nil {
			return
		}

		w.mu.Lock()
		w.attempts++
		attempt := w.attempts
		w.lastError = err.Error()
		w.state = StateDisconnected
		w.mu.Unlock()

		if w.m.backoff.Exhausted(attempt) {
			w.log.Error("giving up on IDLE after %d attempts: %v", attempt, err)
			return
		}

		delay := w.m.backoff.Delay(attempt)
		w.log.Warn("IDLE connection lost (attempt %d), retrying in %s: %v", attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session idles on conn until the worker stops or the connection fails.
// A nil return means the worker was stopped.
func (w *worker) session(conn Conn) error {
	for {
		stopIdle := make(chan struct{})
		idleDone := make(chan error, 1)
		go func() { idleDone <- conn.Idle(stopIdle) }()
		w.setState(StateIdling)

	idling:
		for {
			select {
			case <-w.ctx.Done():
				close(stopIdle)
				<-idleDone
				return nil

			case err := <-idleDone:
				if w.ctx.Err() != nil {
					return nil
				}
				if err == nil {
					err = errors.New("IDLE ended by server")
				}
				return err

			case u := <-conn.Updates():
				w.touch()
				w.handleUpdate(u)

			case req := <-w.polls:
				close(stopIdle)
				if err := <-idleDone; err != nil {
					req.reply <- pollResult{err: err}
					return err
				}

				w.setState(StateFetching)
				res := w.poll(req.ctx, conn)
				req.reply <- res
				if res.err != nil && (utils.IsKind(res.err, utils.KindConnection) || req.ctx.Err() != nil) {
					return res.err
				}
				break idling
			}
		}
	}
}

func (w *worker) poll(ctx context.Context, conn Conn) pollResult {
	status, err := conn.Poll(ctx)
	if err != nil {
		return pollResult{err: err}
	}
	w.touch()

	w.mu.Lock()
	prev := w.mailbox
	w.mailbox = status
	w.mu.Unlock()

	changed := status != prev
	if changed {
		kind := models.EventMailboxStatus
		if status.Messages > prev.Messages || status.UIDNext > prev.UIDNext {
			kind = models.EventNewMessage
		}
		w.emit(models.MailboxEvent{Kind: kind, Messages: status.Messages})
	}
	return pollResult{status: status, changed: changed}
}

func (w *worker) handleUpdate(u Update) {
	ev := models.MailboxEvent{
		Kind:   u.Kind,
		SeqNum: u.SeqNum,
		UID:    u.UID,
		Flags:  u.Flags,
	}

	w.mu.Lock()
	switch u.Kind {
	case models.EventMailboxStatus:
		if u.Messages > w.mailbox.Messages {
			ev.Kind = models.EventNewMessage
		}
		w.mailbox.Messages = u.Messages
		ev.Messages = u.Messages
	case models.EventExpunge:
		if w.mailbox.Messages > 0 {
			w.mailbox.Messages--
		}
		ev.Messages = w.mailbox.Messages
	}
	w.mu.Unlock()

	w.emit(ev)
}

func (w *worker) emit(ev models.MailboxEvent) {
	ev.ID = uuid.New().String()
	ev.AccountID = w.account.ID
	ev.Time = w.m.now()
	w.m.emit(ev)
}

// requestPoll hands a poll to the session loop and waits for its result
func (w *worker) requestPoll(ctx context.Context) (pollResult, error) {
	req := pollRequest{ctx: ctx, reply: make(chan pollResult, 1)}

	select {
	case w.polls <- req:
	case <-w.done:
		return pollResult{}, utils.ConnectionError("IDLE worker stopped", nil)
	case <-ctx.Done():
		return pollResult{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, res.err
	case <-ctx.Done():
		return pollResult{}, ctx.Err()
	}
}
