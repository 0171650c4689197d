package syncer

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/require"

	"mailsync/models"
	"mailsync/protocol"
	"mailsync/storage"
	"mailsync/utils"
)

// fakeMailbox is the server side shared by every fake session
type fakeMailbox struct {
	mu       sync.Mutex
	validity uint32
	messages []protocol.RawMessage
	bodies   map[uint32][]byte
	parts    map[string][]byte

	// gate, when set, blocks FetchRecent and FetchMessage until closed
	gate       chan struct{}
	fetchErr   error
	storeErr   error
	dialErr    error
	fetchCalls atomic.Int32
	bodyCalls  atomic.Int32
	dials      atomic.Int32
	closes     atomic.Int32
}

func newFakeMailbox(validity uint32, messages ...protocol.RawMessage) *fakeMailbox {
	return &fakeMailbox{
		validity: validity,
		messages: messages,
		bodies:   map[uint32][]byte{},
		parts:    map[string][]byte{},
	}
}

func (m *fakeMailbox) setFetchErr(err error) {
	m.mu.Lock()
	m.fetchErr = err
	m.mu.Unlock()
}

func (m *fakeMailbox) find(uid uint32) (int, bool) {
	for i, msg := range m.messages {
		if msg.UID == uid {
			return i, true
		}
	}
	return 0, false
}

func (m *fakeMailbox) flags(uid uint32) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.find(uid); ok {
		return append([]string(nil), m.messages[i].Flags...)
	}
	return nil
}

func (m *fakeMailbox) waitGate(ctx context.Context) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeDialer struct {
	mailbox *fakeMailbox
}

func (d *fakeDialer) Dial(ctx context.Context, account *models.Account) (protocol.Session, error) {
	d.mailbox.dials.Add(1)
	d.mailbox.mu.Lock()
	err := d.mailbox.dialErr
	d.mailbox.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeSession{mailbox: d.mailbox}, nil
}

type fakeSession struct {
	mailbox *fakeMailbox
}

func (s *fakeSession) UIDValidity() uint32 {
	s.mailbox.mu.Lock()
	defer s.mailbox.mu.Unlock()
	return s.mailbox.validity
}

func (s *fakeSession) FetchRecent(ctx context.Context, limit int) ([]protocol.RawMessage, error) {
	m := s.mailbox
	m.fetchCalls.Add(1)
	if err := m.waitGate(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	msgs := m.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]protocol.RawMessage(nil), msgs...), nil
}

func (s *fakeSession) FetchByUIDs(ctx context.Context, uids []uint32) ([]protocol.RawMessage, error) {
	m := s.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.RawMessage
	for _, uid := range uids {
		if i, ok := m.find(uid); ok {
			out = append(out, m.messages[i])
		}
	}
	return out, nil
}

func (s *fakeSession) FetchMessage(ctx context.Context, uid uint32) (*protocol.FullMessage, error) {
	m := s.mailbox
	m.bodyCalls.Add(1)
	if err := m.waitGate(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.find(uid)
	if !ok {
		return nil, utils.NotFoundError("no such message", nil)
	}
	return &protocol.FullMessage{
		UID:           uid,
		Flags:         m.messages[i].Flags,
		BodyStructure: m.messages[i].BodyStructure,
		Raw:           m.bodies[uid],
	}, nil
}

func (s *fakeSession) FetchPart(ctx context.Context, uid uint32, path []int) ([]byte, error) {
	m := s.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parts[partKey(uid, path)], nil
}

func (s *fakeSession) SetSeen(ctx context.Context, uid uint32, seen bool) error {
	m := s.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return m.storeErr
	}
	i, ok := m.find(uid)
	if !ok {
		return utils.NotFoundError("no such message", nil)
	}
	var flags []string
	for _, f := range m.messages[i].Flags {
		if f != imap.SeenFlag {
			flags = append(flags, f)
		}
	}
	if seen {
		flags = append(flags, imap.SeenFlag)
	}
	m.messages[i].Flags = flags
	return nil
}

func (s *fakeSession) Delete(ctx context.Context, uid uint32) error {
	m := s.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return m.storeErr
	}
	if i, ok := m.find(uid); ok {
		m.messages = append(m.messages[:i], m.messages[i+1:]...)
	}
	return nil
}

func (s *fakeSession) Search(ctx context.Context, query string) ([]uint32, error) {
	m := s.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	var uids []uint32
	for _, msg := range m.messages {
		if msg.Envelope != nil && strings.Contains(strings.ToLower(msg.Envelope.Subject), strings.ToLower(query)) {
			uids = append(uids, msg.UID)
		}
	}
	return uids, nil
}

func (s *fakeSession) Noop(ctx context.Context) error { return nil }

func (s *fakeSession) Close() error {
	s.mailbox.closes.Add(1)
	return nil
}

func partKey(uid uint32, path []int) string {
	return protocol.FormatPath(append([]int{int(uid)}, path...))
}

type fakeAccounts struct{}

func (fakeAccounts) GetAccount(accountID string) (*models.Account, error) {
	if accountID != "acc" && accountID != "other" {
		return nil, utils.NotFoundError("account not found", nil)
	}
	return &models.Account{
		ID:          accountID,
		Email:       accountID + "@example.org",
		Credentials: models.Credentials{Username: accountID, Password: "pw"},
		IMAP:        models.Endpoint{Host: "imap.example.org", Port: 993, Security: models.SecurityTLS},
	}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	types []string
}

func (n *recordingNotifier) Broadcast(note models.Notification) {
	n.mu.Lock()
	n.types = append(n.types, note.Type)
	n.mu.Unlock()
}

func (n *recordingNotifier) has(kind string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.types {
		if t == kind {
			return true
		}
	}
	return false
}

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// rawMessage builds a fetched message dated uid hours after epoch
func rawMessage(uid uint32, subject string) protocol.RawMessage {
	return protocol.RawMessage{
		UID: uid,
		Envelope: &imap.Envelope{
			Date:    epoch.Add(time.Duration(uid) * time.Hour),
			Subject: subject,
			From:    []*imap.Address{{PersonalName: "Sender", MailboxName: "sender", HostName: "example.org"}},
		},
		BodyStructure: &imap.BodyStructure{MIMEType: "text", MIMESubType: "plain"},
		Size:          100,
	}
}

func messages(n int) []protocol.RawMessage {
	out := make([]protocol.RawMessage, n)
	for i := range out {
		out[i] = rawMessage(uint32(i+1), "message")
	}
	return out
}

type testEnv struct {
	coord    *Coordinator
	cache    *storage.Cache
	mailbox  *fakeMailbox
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, mailbox *fakeMailbox, opts Options) *testEnv {
	t.Helper()
	cache, err := storage.OpenCache(t.TempDir(), utils.Discard)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	opts.Logger = utils.Discard
	opts.Notifier = notifier

	coord := NewCoordinator(cache, fakeAccounts{}, &fakeDialer{mailbox: mailbox}, opts)
	t.Cleanup(func() {
		coord.Close()
		cache.Close()
	})
	return &testEnv{coord: coord, cache: cache, mailbox: mailbox, notifier: notifier}
}
