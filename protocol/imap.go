package protocol

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"mailsync/utils"
)

// headerFields are the header lines fetched next to the envelope; they
// back up envelope values that are missing or malformed.
var headerFields = []string{"MESSAGE-ID", "IN-REPLY-TO", "REFERENCES", "DATE", "FROM", "SUBJECT"}

var headerSection = &imap.BodySectionName{
	BodyPartName: imap.BodyPartName{
		Specifier: imap.HeaderSpecifier,
		Fields:    headerFields,
	},
	Peek: true,
}

// IMAPSession is a Session backed by a go-imap client
type IMAPSession struct {
	client      *client.Client
	mailbox     string
	uidValidity uint32
	broken      bool
	log         *utils.Logger
}

// NewIMAPSession wraps an authenticated client; the mailbox is selected lazily
// by the first fetch.
func NewIMAPSession(c *client.Client, mailbox string, logger *utils.Logger) *IMAPSession {
	if logger == nil {
		logger = utils.Log
	}
	return &IMAPSession{client: c, mailbox: mailbox, log: logger}
}

func (s *IMAPSession) UIDValidity() uint32 {
	return s.uidValidity
}

// run executes fn and abandons it when ctx is done. Abandoning closes the
// connection, which makes fn return and leaves the session unusable.
func (s *IMAPSession) run(ctx context.Context, op string, fn func() error) error {
	if s.broken {
		return utils.ConnectionError("session is closed", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if isConnectionErr(err) {
			s.broken = true
			return utils.ConnectionError(op+" failed", err)
		}
		return utils.ProtocolError(op+" failed", err)
	case <-ctx.Done():
		s.broken = true
		s.client.Terminate()
		<-done
		s.log.Debug("%s abandoned: %v", op, ctx.Err())
		return ctx.Err()
	}
}

func (s *IMAPSession) selectMailbox(ctx context.Context) (*imap.MailboxStatus, error) {
	var status *imap.MailboxStatus
	err := s.run(ctx, "select "+s.mailbox, func() error {
		var err error
		status, err = s.client.Select(s.mailbox, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.uidValidity = status.UidValidity
	return status, nil
}

// FetchRecent returns the newest limit messages of the mailbox, oldest first.
// Metadata is fetched in one round trip and preview bytes in a second one,
// grouped by preview part path.
func (s *IMAPSession) FetchRecent(ctx context.Context, limit int) ([]RawMessage, error) {
	status, err := s.selectMailbox(ctx)
	if err != nil {
		return nil, err
	}
	if status.Messages == 0 || limit <= 0 {
		return nil, nil
	}

	from := uint32(1)
	if status.Messages > uint32(limit) {
		from = status.Messages - uint32(limit) + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, status.Messages)

	return s.fetchMessages(ctx, seqset, false)
}

// FetchByUIDs returns metadata and previews for the given UIDs
func (s *IMAPSession) FetchByUIDs(ctx context.Context, uids []uint32) ([]RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	return s.fetchMessages(ctx, seqset, true)
}

func (s *IMAPSession) fetchMessages(ctx context.Context, seqset *imap.SeqSet, byUID bool) ([]RawMessage, error) {
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchBodyStructure,
		imap.FetchRFC822Size,
		imap.FetchInternalDate,
		imap.FetchUid,
		headerSection.FetchItem(),
	}

	var raws []RawMessage
	err := s.run(ctx, "fetch", func() error {
		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			if byUID {
				done <- s.client.UidFetch(seqset, items, messages)
			} else {
				done <- s.client.Fetch(seqset, items, messages)
			}
		}()

		for msg := range messages {
			if msg == nil || msg.Uid == 0 {
				continue
			}
			raws = append(raws, RawMessage{
				UID:           msg.Uid,
				Flags:         msg.Flags,
				Envelope:      msg.Envelope,
				BodyStructure: msg.BodyStructure,
				Size:          msg.Size,
				InternalDate:  msg.InternalDate,
				Header:        readSection(msg, imap.HeaderSpecifier, nil),
			})
		}
		return <-done
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(raws, func(i, j int) bool { return raws[i].UID < raws[j].UID })

	if err := s.fetchPreviews(ctx, raws); err != nil {
		return nil, err
	}
	return raws, nil
}

// fetchPreviews fills PreviewBytes with a partial fetch per distinct part path
func (s *IMAPSession) fetchPreviews(ctx context.Context, raws []RawMessage) error {
	type group struct {
		path []int
		uids *imap.SeqSet
	}
	groups := make(map[string]*group)
	index := make(map[uint32]int, len(raws))

	for i := range raws {
		path, part, ok := TextPart(raws[i].BodyStructure)
		if !ok {
			continue
		}
		raws[i].PreviewPart = part
		index[raws[i].UID] = i

		key := FormatPath(path)
		g, exists := groups[key]
		if !exists {
			g = &group{path: path, uids: new(imap.SeqSet)}
			groups[key] = g
		}
		g.uids.AddNum(raws[i].UID)
	}

	for key, g := range groups {
		section := &imap.BodySectionName{
			BodyPartName: imap.BodyPartName{Path: g.path},
			Peek:         true,
			Partial:      []int{0, PreviewBytes},
		}
		items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

		err := s.run(ctx, "fetch preview "+key, func() error {
			messages := make(chan *imap.Message, 10)
			done := make(chan error, 1)
			go func() {
				done <- s.client.UidFetch(g.uids, items, messages)
			}()

			for msg := range messages {
				i, ok := index[msg.Uid]
				if !ok {
					continue
				}
				raws[i].PreviewBytes = readSection(msg, imap.EntireSpecifier, g.path)
			}
			return <-done
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// FetchMessage downloads the complete RFC 822 message
func (s *IMAPSession) FetchMessage(ctx context.Context, uid uint32) (*FullMessage, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchBodyStructure, section.FetchItem()}

	var full *FullMessage
	err := s.fetchOne(ctx, "fetch message", uid, items, func(msg *imap.Message) {
		full = &FullMessage{
			UID:           msg.Uid,
			Flags:         msg.Flags,
			BodyStructure: msg.BodyStructure,
			Raw:           readSection(msg, imap.EntireSpecifier, nil),
		}
	})
	if err != nil {
		return nil, err
	}
	if full == nil {
		return nil, utils.NotFoundError(fmt.Sprintf("message %d not found", uid), nil)
	}
	return full, nil
}

// FetchPart downloads one body part, still transfer-encoded
func (s *IMAPSession) FetchPart(ctx context.Context, uid uint32, path []int) ([]byte, error) {
	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Path: path},
		Peek:         true,
	}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	var data []byte
	found := false
	err := s.fetchOne(ctx, "fetch part "+FormatPath(path), uid, items, func(msg *imap.Message) {
		found = true
		data = readSection(msg, imap.EntireSpecifier, path)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, utils.NotFoundError(fmt.Sprintf("message %d not found", uid), nil)
	}
	return data, nil
}

func (s *IMAPSession) fetchOne(ctx context.Context, op string, uid uint32, items []imap.FetchItem, fn func(*imap.Message)) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	return s.run(ctx, op, func() error {
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- s.client.UidFetch(seqset, items, messages)
		}()

		for msg := range messages {
			if msg.Uid == uid {
				fn(msg)
			}
		}
		return <-done
	})
}

// SetSeen adds or removes the \Seen flag
func (s *IMAPSession) SetSeen(ctx context.Context, uid uint32, seen bool) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	var op imap.FlagsOp = imap.AddFlags
	if !seen {
		op = imap.RemoveFlags
	}
	item := imap.FormatFlagsOp(op, true)
	flags := []interface{}{imap.SeenFlag}

	return s.run(ctx, "store \\Seen", func() error {
		return s.client.UidStore(seqset, item, flags, nil)
	})
}

// Delete flags the message \Deleted and expunges the mailbox
func (s *IMAPSession) Delete(ctx context.Context, uid uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}

	return s.run(ctx, "delete", func() error {
		if err := s.client.UidStore(seqset, item, flags, nil); err != nil {
			return err
		}
		return s.client.Expunge(nil)
	})
}

// Search runs UID SEARCH TEXT and returns matching UIDs
func (s *IMAPSession) Search(ctx context.Context, query string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Text = []string{query}

	var uids []uint32
	err := s.run(ctx, "search", func() error {
		var err error
		uids, err = s.client.UidSearch(criteria)
		return err
	})
	return uids, err
}

// Noop checks that the connection is alive
func (s *IMAPSession) Noop(ctx context.Context) error {
	return s.run(ctx, "noop", s.client.Noop)
}

// Close logs out, or drops the connection if it is already broken
func (s *IMAPSession) Close() error {
	if s.broken {
		return s.client.Terminate()
	}
	s.broken = true
	return s.client.Logout()
}

// readSection returns the body literal of msg whose section matches
// specifier and path. Partial ranges and header field lists are ignored
// because servers echo them inconsistently.
func readSection(msg *imap.Message, specifier imap.PartSpecifier, path []int) []byte {
	for section, literal := range msg.Body {
		if section == nil || literal == nil {
			continue
		}
		if !strings.EqualFold(string(section.Specifier), string(specifier)) || !samePath(section.Path, path) {
			continue
		}
		b, err := io.ReadAll(literal)
		if err != nil {
			return nil
		}
		return b
	}
	return nil
}
