package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsync/decoder"
	"mailsync/models"
	"mailsync/protocol"
	"mailsync/utils"
)

// seedCache stores decoded copies of raws as if a refresh had happened at syncedAt
func seedCache(t *testing.T, env *testEnv, validity uint32, syncedAt time.Time, raws []protocol.RawMessage) {
	t.Helper()
	records := make([]models.MessageRecord, 0, len(raws))
	uids := make([]uint32, 0, len(raws))
	for _, raw := range raws {
		rec, err := decoder.Decode("acc", validity, raw)
		require.NoError(t, err)
		records = append(records, rec)
		uids = append(uids, raw.UID)
	}
	require.NoError(t, env.cache.ReplaceWindow("acc", uids, records))
	require.NoError(t, env.cache.SetUIDValidity("acc", validity))
	require.NoError(t, env.cache.SetLastSynced("acc", syncedAt))
}

func waitIdle(t *testing.T, c *Coordinator, accountID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !c.Status(accountID).IsRefreshing
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGetEmailsFirstUseFetchesOnce(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(3)...)
	env := newTestEnv(t, mailbox, Options{})

	list, err := env.coord.GetEmails(context.Background(), "acc", false, 10)
	require.NoError(t, err)

	assert.Equal(t, models.SourceRemote, list.Source)
	assert.False(t, list.IsRefreshing)
	assert.False(t, list.LastSyncedAt.IsZero())
	require.Len(t, list.Emails, 3)
	assert.Equal(t, "acc:1:3", list.Emails[0].ID)
	assert.Equal(t, "acc:1:1", list.Emails[2].ID)
	assert.Equal(t, int32(1), mailbox.fetchCalls.Load())
	assert.True(t, env.notifier.has(models.NotifyRefreshCompleted))
}

func TestGetEmailsFreshCacheSkipsNetwork(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(3)...)
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		list, err := env.coord.GetEmails(ctx, "acc", false, 10)
		require.NoError(t, err)
		assert.Equal(t, models.SourceCache, list.Source)
		assert.False(t, list.IsRefreshing)
		assert.Len(t, list.Emails, 3)
	}
	assert.Equal(t, int32(1), mailbox.fetchCalls.Load())
	assert.Equal(t, int32(1), mailbox.dials.Load(), "session should be reused")
}

func TestGetEmailsSeededFreshCacheSkipsNetwork(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(4)...)
	env := newTestEnv(t, mailbox, Options{})
	seedCache(t, env, 1, time.Now().Add(-30*time.Second), messages(4))

	list, err := env.coord.GetEmails(context.Background(), "acc", false, 10)
	require.NoError(t, err)

	assert.Equal(t, models.SourceCache, list.Source)
	assert.False(t, list.IsRefreshing)
	assert.Len(t, list.Emails, 4)
	assert.Zero(t, mailbox.dials.Load())
	assert.Zero(t, mailbox.fetchCalls.Load())
}

func TestGetEmailsForceRefreshAlwaysFetches(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(2)...)
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		list, err := env.coord.GetEmails(ctx, "acc", true, 10)
		require.NoError(t, err)
		assert.Equal(t, models.SourceRemote, list.Source)
		assert.Equal(t, int32(i), mailbox.fetchCalls.Load())
	}
}

func TestGetEmailsStaleCacheRefreshesInBackground(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(10)...)
	env := newTestEnv(t, mailbox, Options{})
	before := time.Now().Add(-3 * time.Minute)
	seedCache(t, env, 1, before, messages(10))

	start := time.Now()
	list, err := env.coord.GetEmails(context.Background(), "acc", false, 5)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, models.SourceCache, list.Source)
	assert.True(t, list.IsRefreshing)
	var ids []string
	for _, e := range list.Emails {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"acc:1:10", "acc:1:9", "acc:1:8", "acc:1:7", "acc:1:6"}, ids)
	assert.WithinDuration(t, before, list.LastSyncedAt, time.Second)

	waitIdle(t, env.coord, "acc")
	assert.Equal(t, int32(1), mailbox.fetchCalls.Load())

	list, err = env.coord.GetEmails(context.Background(), "acc", false, 5)
	require.NoError(t, err)
	assert.Len(t, list.Emails, 5)
	assert.False(t, list.IsRefreshing)
	assert.True(t, list.LastSyncedAt.After(before.Add(time.Minute)))
	assert.Equal(t, int32(1), mailbox.fetchCalls.Load())
}

func TestConcurrentStaleRequestsShareOneRefresh(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(5)...)
	mailbox.gate = make(chan struct{})
	env := newTestEnv(t, mailbox, Options{})
	seedCache(t, env, 1, time.Now().Add(-10*time.Minute), messages(5))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			list, err := env.coord.GetEmails(context.Background(), "acc", false, 10)
			assert.NoError(t, err)
			if assert.NotNil(t, list) {
				assert.Equal(t, models.SourceCache, list.Source)
				assert.True(t, list.IsRefreshing)
			}
		}()
	}
	wg.Wait()

	close(mailbox.gate)
	waitIdle(t, env.coord, "acc")
	assert.Equal(t, int32(1), mailbox.fetchCalls.Load())
}

func TestFirstUseCallersJoinInflightRefresh(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(3)...)
	mailbox.gate = make(chan struct{})
	env := newTestEnv(t, mailbox, Options{})

	results := make(chan *models.EmailList, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			list, err := env.coord.GetEmails(context.Background(), "acc", false, 10)
			assert.NoError(t, err)
			results <- list
		}()
	}

	require.Eventually(t, func() bool { return mailbox.fetchCalls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	close(mailbox.gate)
	wg.Wait()
	close(results)

	for list := range results {
		require.NotNil(t, list)
		assert.Equal(t, models.SourceRemote, list.Source)
		assert.Len(t, list.Emails, 3)
	}
	assert.Equal(t, int32(1), mailbox.fetchCalls.Load())
}

func TestRefreshFailureClearsInflight(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(2)...)
	mailbox.fetchErr = utils.ConnectionError("connection reset", errors.New("EOF"))
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindConnection))

	status := env.coord.Status("acc")
	assert.False(t, status.IsRefreshing)
	assert.NotEmpty(t, status.LastError)
	assert.True(t, status.LastSyncedAt.IsZero())
	assert.True(t, env.notifier.has(models.NotifyRefreshFailed))
	assert.Equal(t, int32(1), mailbox.closes.Load(), "broken session should be dropped")

	mailbox.setFetchErr(nil)
	list, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)
	assert.Len(t, list.Emails, 2)
	assert.Equal(t, int32(2), mailbox.dials.Load())
	assert.Empty(t, env.coord.Status("acc").LastError)
}

func TestGetEmailsUnknownAccount(t *testing.T) {
	env := newTestEnv(t, newFakeMailbox(1), Options{})

	_, err := env.coord.GetEmails(context.Background(), "nobody", false, 10)
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
}

func TestGetEmailsEmptyMailbox(t *testing.T) {
	env := newTestEnv(t, newFakeMailbox(1), Options{})

	list, err := env.coord.GetEmails(context.Background(), "acc", false, 10)
	require.NoError(t, err)
	assert.NotNil(t, list.Emails)
	assert.Empty(t, list.Emails)
	assert.Equal(t, models.SourceRemote, list.Source)
}

func TestRefreshSkipsUndecodableMessages(t *testing.T) {
	msgs := messages(3)
	msgs[1].Envelope = nil
	env := newTestEnv(t, newFakeMailbox(1, msgs...), Options{})

	list, err := env.coord.GetEmails(context.Background(), "acc", false, 10)
	require.NoError(t, err)
	require.Len(t, list.Emails, 2)
	assert.Equal(t, "acc:1:3", list.Emails[0].ID)
	assert.Equal(t, "acc:1:1", list.Emails[1].ID)
}

func TestRefreshKeepsCachedMessagesThatFailToDecode(t *testing.T) {
	msgs := messages(3)
	mailbox := newFakeMailbox(1, msgs...)
	env := newTestEnv(t, mailbox, Options{})
	seedCache(t, env, 1, time.Now().Add(-time.Hour), msgs)

	mailbox.mu.Lock()
	mailbox.messages[1].Envelope = nil
	mailbox.mu.Unlock()

	list, err := env.coord.GetEmails(context.Background(), "acc", true, 10)
	require.NoError(t, err)
	var ids []string
	for _, e := range list.Emails {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"acc:1:3", "acc:1:2", "acc:1:1"}, ids)
}

func TestRefreshWhereNothingDecodesKeepsCache(t *testing.T) {
	msgs := messages(3)
	mailbox := newFakeMailbox(1, msgs...)
	env := newTestEnv(t, mailbox, Options{})
	seedCache(t, env, 1, time.Now().Add(-time.Hour), msgs)

	mailbox.mu.Lock()
	for i := range mailbox.messages {
		mailbox.messages[i].Envelope = nil
		mailbox.messages[i].Header = nil
	}
	mailbox.mu.Unlock()

	_, err := env.coord.GetEmails(context.Background(), "acc", true, 10)
	require.NoError(t, err)

	stats, err := env.cache.Stats("acc")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
}

func TestRefreshDropsExpungedMessages(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(4)...)
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)

	mailbox.mu.Lock()
	mailbox.messages = append(mailbox.messages[:1], mailbox.messages[2:]...)
	mailbox.mu.Unlock()

	list, err := env.coord.GetEmails(ctx, "acc", true, 10)
	require.NoError(t, err)
	var ids []string
	for _, e := range list.Emails {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"acc:1:4", "acc:1:3", "acc:1:1"}, ids)
}

func TestUIDValidityChangeClearsCache(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(3)...)
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)

	mailbox.mu.Lock()
	mailbox.validity = 2
	mailbox.messages = []protocol.RawMessage{rawMessage(1, "rebuilt")}
	mailbox.mu.Unlock()

	list, err := env.coord.GetEmails(ctx, "acc", true, 10)
	require.NoError(t, err)
	require.Len(t, list.Emails, 1)
	assert.Equal(t, "acc:2:1", list.Emails[0].ID)
	assert.Equal(t, "rebuilt", list.Emails[0].Subject)

	_, err = env.cache.Get("acc:1:3")
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
}

func TestMarkAsReadMirrorsToCache(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(2)...)
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)

	require.NoError(t, env.coord.MarkAsRead(ctx, "acc", "acc:1:2"))
	assert.Contains(t, mailbox.flags(2), imap.SeenFlag)
	rec, err := env.cache.Get("acc:1:2")
	require.NoError(t, err)
	assert.True(t, rec.IsRead)
	assert.True(t, env.notifier.has(models.NotifyStatusChange))

	require.NoError(t, env.coord.MarkAsUnread(ctx, "acc", "acc:1:2"))
	assert.NotContains(t, mailbox.flags(2), imap.SeenFlag)
	rec, err = env.cache.Get("acc:1:2")
	require.NoError(t, err)
	assert.False(t, rec.IsRead)
}

func TestMutationsLeaveCacheAloneOnRemoteFailure(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(2)...)
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)

	mailbox.mu.Lock()
	mailbox.storeErr = utils.ProtocolError("STORE rejected", nil)
	mailbox.mu.Unlock()

	err = env.coord.MarkAsRead(ctx, "acc", "acc:1:1")
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindProtocol))
	rec, err := env.cache.Get("acc:1:1")
	require.NoError(t, err)
	assert.False(t, rec.IsRead)

	err = env.coord.DeleteEmail(ctx, "acc", "acc:1:1")
	require.Error(t, err)
	_, err = env.cache.Get("acc:1:1")
	assert.NoError(t, err)
	assert.False(t, env.notifier.has(models.NotifyDeleted))
}

func TestDeleteEmailRemovesFromCache(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(2)...)
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)

	require.NoError(t, env.coord.DeleteEmail(ctx, "acc", "acc:1:2"))
	_, err = env.cache.Get("acc:1:2")
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
	assert.True(t, env.notifier.has(models.NotifyDeleted))

	list, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)
	require.Len(t, list.Emails, 1)
	assert.Equal(t, "acc:1:1", list.Emails[0].ID)
}

func TestMutationsRejectForeignAndStaleIDs(t *testing.T) {
	env := newTestEnv(t, newFakeMailbox(2, messages(1)...), Options{})
	ctx := context.Background()

	err := env.coord.MarkAsRead(ctx, "acc", "garbage")
	assert.True(t, utils.IsKind(err, utils.KindInvalid))

	err = env.coord.MarkAsRead(ctx, "acc", "other:2:1")
	assert.True(t, utils.IsKind(err, utils.KindNotFound))

	// minted before the mailbox was rebuilt
	err = env.coord.DeleteEmail(ctx, "acc", "acc:1:1")
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
}

const plainBody = "From: a@example.org\r\n" +
	"Subject: hello\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Body text\r\n"

func TestGetEmailContentCachesBody(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(1)...)
	mailbox.bodies[1] = []byte(plainBody)
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)

	res, err := env.coord.GetEmailContent(ctx, "acc", "acc:1:1")
	require.NoError(t, err)
	assert.Equal(t, models.SourceRemote, res.Source)
	assert.Contains(t, res.Content.Text, "Body text")
	assert.NotNil(t, res.Content.Attachments)

	res, err = env.coord.GetEmailContent(ctx, "acc", "acc:1:1")
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, res.Source)
	assert.Contains(t, res.Content.Text, "Body text")
	assert.Equal(t, int32(1), mailbox.bodyCalls.Load())
}

func TestGetEmailContentCollapsesConcurrentFetches(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(1)...)
	mailbox.bodies[1] = []byte(plainBody)
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)

	mailbox.mu.Lock()
	mailbox.gate = make(chan struct{})
	mailbox.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.coord.GetEmailContent(ctx, "acc", "acc:1:1")
			if assert.NoError(t, err) {
				assert.Contains(t, res.Content.Text, "Body text")
			}
		}()
	}

	require.Eventually(t, func() bool { return mailbox.bodyCalls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(mailbox.gate)
	wg.Wait()

	assert.Equal(t, int32(1), mailbox.bodyCalls.Load())
}

func TestGetEmailContentCancelledCallerLeavesOthersWaiting(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(1)...)
	mailbox.bodies[1] = []byte(plainBody)
	env := newTestEnv(t, mailbox, Options{})

	_, err := env.coord.GetEmails(context.Background(), "acc", false, 10)
	require.NoError(t, err)

	mailbox.mu.Lock()
	mailbox.gate = make(chan struct{})
	mailbox.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := env.coord.GetEmailContent(ctx, "acc", "acc:1:1")
		first <- err
	}()
	require.Eventually(t, func() bool { return mailbox.bodyCalls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	second := make(chan *models.ContentResult, 1)
	go func() {
		res, err := env.coord.GetEmailContent(context.Background(), "acc", "acc:1:1")
		assert.NoError(t, err)
		second <- res
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(mailbox.gate)
	select {
	case res := <-second:
		require.NotNil(t, res)
		assert.Contains(t, res.Content.Text, "Body text")
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never returned")
	}
	assert.Equal(t, int32(1), mailbox.bodyCalls.Load())
}

func TestGetEmailContentMissingMessage(t *testing.T) {
	env := newTestEnv(t, newFakeMailbox(1), Options{})

	_, err := env.coord.GetEmailContent(context.Background(), "acc", "acc:1:99")
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
}

func pdfMessage(uid uint32) protocol.RawMessage {
	raw := rawMessage(uid, "report")
	raw.BodyStructure = &imap.BodyStructure{
		MIMEType:    "multipart",
		MIMESubType: "mixed",
		Parts: []*imap.BodyStructure{
			{MIMEType: "text", MIMESubType: "plain", Encoding: "7bit", Size: 10},
			{
				MIMEType:          "application",
				MIMESubType:       "pdf",
				Encoding:          "base64",
				Size:              12,
				Disposition:       "attachment",
				DispositionParams: map[string]string{"filename": "report.pdf"},
			},
		},
	}
	return raw
}

func TestGetAttachment(t *testing.T) {
	mailbox := newFakeMailbox(1, pdfMessage(5))
	mailbox.parts[partKey(5, []int{2})] = []byte("JVBERi0xLjQK")
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	att, err := env.coord.GetAttachment(ctx, "acc", "acc:1:5", "2")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, "acc:1:5", att.MessageID)
	assert.Equal(t, []byte("%PDF-1.4\n"), att.Content)

	_, err = env.coord.GetAttachment(ctx, "acc", "acc:1:5", "1")
	assert.True(t, utils.IsKind(err, utils.KindNotFound), "text body is not an attachment")

	_, err = env.coord.GetAttachment(ctx, "acc", "acc:1:5", "x.0")
	assert.True(t, utils.IsKind(err, utils.KindInvalid))
}

func TestSearchUsesCacheFirst(t *testing.T) {
	mailbox := newFakeMailbox(1, rawMessage(1, "Quarterly report"), rawMessage(2, "Lunch"))
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)

	res, err := env.coord.SearchEmails(ctx, "acc", "REPORT")
	require.NoError(t, err)
	assert.False(t, res.Remote)
	require.Len(t, res.Results, 1)
	assert.Equal(t, models.SourceCache, res.Results[0].Source)
	assert.Equal(t, "acc:1:1", res.Results[0].ID)

	_, err = env.coord.SearchEmails(ctx, "acc", "   ")
	assert.True(t, utils.IsKind(err, utils.KindInvalid))
}

func TestSearchFallsBackToMailbox(t *testing.T) {
	mailbox := newFakeMailbox(1,
		rawMessage(1, "ancient needle"),
		rawMessage(2, "two"),
		rawMessage(3, "three"),
		rawMessage(4, "four"),
	)
	env := newTestEnv(t, mailbox, Options{DefaultLimit: 2})
	ctx := context.Background()

	list, err := env.coord.GetEmails(ctx, "acc", false, 2)
	require.NoError(t, err)
	require.Len(t, list.Emails, 2)

	res, err := env.coord.SearchEmails(ctx, "acc", "needle")
	require.NoError(t, err)
	assert.True(t, res.Remote)
	require.Len(t, res.Results, 1)
	assert.Equal(t, models.SourceRemote, res.Results[0].Source)
	assert.Equal(t, "acc:1:1", res.Results[0].ID)

	// the hit was added to the cache
	rec, err := env.cache.Get("acc:1:1")
	require.NoError(t, err)
	assert.Equal(t, "ancient needle", rec.Subject)

	res, err = env.coord.SearchEmails(ctx, "acc", "needle")
	require.NoError(t, err)
	assert.False(t, res.Remote)
	require.Len(t, res.Results, 1)
	assert.Equal(t, models.SourceCache, res.Results[0].Source)
}

func TestSearchRemoteDisabled(t *testing.T) {
	mailbox := newFakeMailbox(1, rawMessage(1, "needle"))
	env := newTestEnv(t, mailbox, Options{SearchRemoteThreshold: -1})

	res, err := env.coord.SearchEmails(context.Background(), "acc", "needle")
	require.NoError(t, err)
	assert.False(t, res.Remote)
	assert.Empty(t, res.Results)
	assert.Zero(t, mailbox.dials.Load())
}

func TestRunTriggersRefreshOnEvents(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(2)...)
	env := newTestEnv(t, mailbox, Options{})
	seedCache(t, env, 1, time.Now(), messages(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan models.MailboxEvent, 1)
	done := make(chan struct{})
	go func() {
		env.coord.Run(ctx, events)
		close(done)
	}()

	events <- models.MailboxEvent{AccountID: "acc", Kind: models.EventNewMessage, Messages: 3}
	require.Eventually(t, func() bool { return mailbox.fetchCalls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	waitIdle(t, env.coord, "acc")
	assert.True(t, env.notifier.has(models.NotifyMailboxEvent))

	close(events)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after events was closed")
	}
}

func TestEventDuringRefreshSchedulesAnother(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(2)...)
	mailbox.gate = make(chan struct{})
	env := newTestEnv(t, mailbox, Options{})

	require.True(t, env.coord.TriggerRefresh("acc"))
	require.Eventually(t, func() bool { return mailbox.fetchCalls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan models.MailboxEvent, 1)
	go env.coord.Run(ctx, events)

	events <- models.MailboxEvent{AccountID: "acc", Kind: models.EventNewMessage, Messages: 3}
	require.Eventually(t, func() bool { return env.notifier.has(models.NotifyMailboxEvent) }, 5*time.Second, 5*time.Millisecond)

	close(mailbox.gate)
	require.Eventually(t, func() bool { return mailbox.fetchCalls.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	waitIdle(t, env.coord, "acc")
	assert.Equal(t, int32(2), mailbox.fetchCalls.Load())
}

func TestStatusOfUnknownAccountKeepsNoState(t *testing.T) {
	env := newTestEnv(t, newFakeMailbox(1), Options{})

	status := env.coord.Status("nobody")
	assert.Equal(t, "nobody", status.AccountID)
	assert.False(t, status.IsRefreshing)
	assert.True(t, status.LastSyncedAt.IsZero())
	assert.Nil(t, env.coord.registry.lookup("nobody"))
}

func TestTriggerRefreshDeduplicates(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(1)...)
	mailbox.gate = make(chan struct{})
	env := newTestEnv(t, mailbox, Options{})

	assert.True(t, env.coord.TriggerRefresh("acc"))
	assert.False(t, env.coord.TriggerRefresh("acc"))
	assert.True(t, env.coord.Status("acc").IsRefreshing)

	close(mailbox.gate)
	waitIdle(t, env.coord, "acc")
	assert.Equal(t, int32(1), mailbox.fetchCalls.Load())
}

func TestCloseAbandonsBackgroundRefresh(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(1)...)
	mailbox.gate = make(chan struct{})
	env := newTestEnv(t, mailbox, Options{})

	require.True(t, env.coord.TriggerRefresh("acc"))
	require.Eventually(t, func() bool { return mailbox.fetchCalls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	env.coord.Close()
	status := env.coord.Status("acc")
	assert.False(t, status.IsRefreshing)
	assert.NotEmpty(t, status.LastError)
	assert.Zero(t, status.Cache.Count)
}

func TestForgetReleasesAccount(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(3)...)
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)
	require.Equal(t, 3, env.coord.Status("acc").Cache.Count)

	env.coord.Forget("acc")
	assert.Equal(t, int32(1), mailbox.closes.Load())
	status := env.coord.Status("acc")
	assert.Zero(t, status.Cache.Count)

	// The next read starts over with a new session
	list, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)
	assert.Equal(t, models.SourceRemote, list.Source)
	assert.Equal(t, int32(2), mailbox.dials.Load())

	env.coord.Forget("never-seen")
}

func TestResetSessionRedialsAndKeepsCache(t *testing.T) {
	mailbox := newFakeMailbox(1, messages(3)...)
	env := newTestEnv(t, mailbox, Options{})
	ctx := context.Background()

	_, err := env.coord.GetEmails(ctx, "acc", false, 10)
	require.NoError(t, err)
	require.Equal(t, int32(1), mailbox.dials.Load())

	env.coord.ResetSession("acc")
	env.coord.ResetSession("nobody")
	assert.Equal(t, int32(1), mailbox.closes.Load())
	assert.Equal(t, 3, env.coord.Status("acc").Cache.Count)

	_, err = env.coord.GetEmails(ctx, "acc", true, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(2), mailbox.dials.Load())
}

func TestOptionsDefaults(t *testing.T) {
	var opts Options
	opts.setDefaults()

	assert.Equal(t, 2*time.Minute, opts.StalenessThreshold)
	assert.Equal(t, 50, opts.DefaultLimit)
	assert.Equal(t, 1, opts.SearchRemoteThreshold)
	assert.Equal(t, 50, opts.clampLimit(0))
	assert.Equal(t, 50, opts.clampLimit(1000))
	assert.Equal(t, 7, opts.clampLimit(7))
}
