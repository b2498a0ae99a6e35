package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pawcare/portal/internal/ai"
	"github.com/pawcare/portal/internal/events"
)

type recordingProvider struct {
	mu    sync.Mutex
	calls int
	last  []ai.Message
	reply string
	err   error
}

func (p *recordingProvider) Chat(_ context.Context, messages []ai.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	if p.err != nil {
		return "", p.err
	}
	if p.reply == "" {
		return "ok", nil
	}
	return p.reply, nil
}

type streamingProvider struct {
	recordingProvider
	chunks []string
}

func (p *streamingProvider) StreamChat(_ context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	p.mu.Lock()
	p.calls++
	p.last = append([]ai.Message(nil), messages...)
	p.mu.Unlock()

	out := make(chan string, len(p.chunks))
	errs := make(chan error, 1)
	for _, c := range p.chunks {
		out <- c
	}
	close(out)
	close(errs)
	return out, errs
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) PublishJob(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, jobID)
	return nil
}

func (q *fakeQueue) jobs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type fakeProber struct {
	payload events.VariantPayload
	err     error
}

func (p fakeProber) Probe(_ context.Context, mediaID string) (events.VariantPayload, error) {
	if p.err != nil {
		return events.VariantPayload{}, p.err
	}
	out := p.payload
	out.MediaID = mediaID
	return out, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

type fixture struct {
	db       *gorm.DB
	repo     *Repo
	svc      *Service
	provider ai.Provider
	bus      *events.Recorder
	queue    *fakeQueue
}

func newFixture(t *testing.T, provider ai.Provider, window int, opts ...Option) *fixture {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)

	reg := ai.NewRegistry()
	reg.Register("fake", func(context.Context, string) (ai.Provider, error) {
		return provider, nil
	})

	f := &fixture{db: db, repo: repo, provider: provider, bus: &events.Recorder{}, queue: &fakeQueue{}}
	opts = append([]Option{WithPublisher(f.bus), WithQueue(f.queue), WithStreamInterval(0)}, opts...)
	f.svc = NewService(repo, reg, window, opts...)
	return f
}

func (f *fixture) session(t *testing.T, userID uint64) *Session {
	t.Helper()
	sess, err := f.svc.CreateSession(context.Background(), userID, "Rex", "fake", "default")
	require.NoError(t, err)
	return sess
}

func messagePayloads(t *testing.T, evs []events.Event) []events.MessageEvent {
	t.Helper()
	out := make([]events.MessageEvent, 0, len(evs))
	for _, ev := range evs {
		var me events.MessageEvent
		require.NoError(t, json.Unmarshal(ev.Data, &me))
		out = append(out, me)
	}
	return out
}

func TestCreateSession_Defaults(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20, WithDefaultProvider(" FAKE "))

	sess, err := f.svc.CreateSession(context.Background(), 7, "  Milo  ", "", "")
	require.NoError(t, err)
	assert.Len(t, sess.SessionID, 24)
	assert.Equal(t, "Milo", sess.Title)
	assert.Equal(t, SessionActive, sess.Status)
	assert.Equal(t, "fake", sess.Provider)
	// the provider's configured model applies
	assert.Empty(t, sess.Model)
}

func TestCreateSession_UnknownProvider(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20)

	// the default provider is not registered in this fixture
	_, err := f.svc.CreateSession(context.Background(), 7, "Milo", "", "")
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = f.svc.CreateSession(context.Background(), 7, "Milo", "nope", "")
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestSessionOwnership(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20)
	sess := f.session(t, 1)
	ctx := context.Background()

	require.NoError(t, f.svc.ValidateSessionOwner(ctx, 1, sess.SessionID))
	require.ErrorIs(t, f.svc.ValidateSessionOwner(ctx, 2, sess.SessionID), ErrNotFound)
	require.ErrorIs(t, f.svc.ValidateSessionOwner(ctx, 1, "temp-123"), ErrInvalidSession)
	require.ErrorIs(t, f.svc.ValidateSessionOwner(ctx, 1, "aaaaaaaaaaaaaaaaaaaaaaaa"), ErrNotFound)
}

func TestListSessions_PagesMostRecentFirst(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.session(t, 1).SessionID)
	}
	f.session(t, 2)

	// activity moves the first session to the top
	_, err := f.svc.SendText(ctx, 1, ids[0], "hi", "")
	require.NoError(t, err)

	page, total, err := f.svc.ListSessions(ctx, 1, 1, 2, "")
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[0], page[0].SessionID)

	page, _, err = f.svc.ListSessions(ctx, 1, 2, 2, "")
	require.NoError(t, err)
	require.Len(t, page, 1)

	_, err = f.svc.ArchiveSession(ctx, 1, ids[1])
	require.NoError(t, err)
	archived, total, err := f.svc.ListSessions(ctx, 1, 1, 20, SessionArchived)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, ids[1], archived[0].SessionID)
}

func TestDeleteSession_RemovesMessagesAndJobs(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20)
	ctx := context.Background()
	sess := f.session(t, 1)

	_, err := f.svc.SendText(ctx, 1, sess.SessionID, "hello", "")
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteSession(ctx, 2, sess.SessionID), ErrNotFound)
	require.NoError(t, f.svc.DeleteSession(ctx, 1, sess.SessionID))

	var msgs, jobs int64
	require.NoError(t, f.db.Model(&Message{}).Where("session_id = ?", sess.SessionID).Count(&msgs).Error)
	require.NoError(t, f.db.Model(&Job{}).Where("session_id = ?", sess.SessionID).Count(&jobs).Error)
	assert.Zero(t, msgs)
	assert.Zero(t, jobs)

	_, err = f.svc.GetSession(ctx, 1, sess.SessionID)
	require.ErrorIs(t, err, ErrNotFound)

	// a job delivered after deletion is dropped quietly
	require.Len(t, f.queue.jobs(), 1)
	require.NoError(t, f.svc.RunJob(ctx, f.queue.jobs()[0]))
}

func TestSendText_StoresExchangeAndQueuesReply(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20)
	ctx := context.Background()
	sess := f.session(t, 1)

	ex, err := f.svc.SendText(ctx, 1, sess.SessionID, "  Hello  ", "")
	require.NoError(t, err)
	require.True(t, ex.Created)

	assert.Equal(t, events.SenderUser, ex.UserMessage.SenderType)
	assert.Equal(t, events.MessageComplete, ex.UserMessage.Status)
	assert.Equal(t, "Hello", ex.UserMessage.Snapshot().Text())

	assert.Equal(t, events.SenderAssistant, ex.AssistantMessage.SenderType)
	assert.Equal(t, events.MessagePending, ex.AssistantMessage.Status)
	assert.Less(t, ex.UserMessage.MessageID, ex.AssistantMessage.MessageID)

	published := messagePayloads(t, f.bus.Named(events.Message))
	require.Len(t, published, 2)
	for _, me := range published {
		assert.Equal(t, events.MessageNew, me.Type)
		assert.Equal(t, sess.SessionID, me.SessionID)
	}
	assert.Equal(t, ex.UserMessage.MessageID, published[0].Message.ID)
	assert.Equal(t, ex.AssistantMessage.MessageID, published[1].Message.ID)

	queued := f.queue.jobs()
	require.Len(t, queued, 1)
	job, err := f.svc.GetJob(ctx, queued[0])
	require.NoError(t, err)
	assert.Equal(t, JobReply, job.Kind)
	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, ex.AssistantMessage.MessageID, job.MessageID)
	assert.Equal(t, ex.UserMessage.MessageID, job.SourceMessageID)
}

func TestSendText_Validation(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20)
	ctx := context.Background()
	sess := f.session(t, 1)

	_, err := f.svc.SendText(ctx, 1, sess.SessionID, "   ", "")
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.svc.SendText(ctx, 2, sess.SessionID, "hi", "")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.SendText(ctx, 1, "temp-1", "hi", "")
	require.ErrorIs(t, err, ErrInvalidSession)

	require.Empty(t, f.queue.jobs())
	require.Empty(t, f.bus.Events())
}

func TestSendText_IdempotencyKeyReturnsSameExchange(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20)
	ctx := context.Background()
	sess := f.session(t, 1)

	first, err := f.svc.SendText(ctx, 1, sess.SessionID, "Hello", "key-1")
	require.NoError(t, err)
	second, err := f.svc.SendText(ctx, 1, sess.SessionID, "Hello", "key-1")
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.UserMessage.MessageID, second.UserMessage.MessageID)
	assert.Equal(t, first.AssistantMessage.MessageID, second.AssistantMessage.MessageID)
	assert.Len(t, f.queue.jobs(), 1)

	var count int64
	require.NoError(t, f.db.Model(&Message{}).Where("session_id = ?", sess.SessionID).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestSendText_EnqueueFailureFailsPlaceholder(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20)
	ctx := context.Background()
	sess := f.session(t, 1)
	f.queue.err = errors.New("broker down")

	ex, err := f.svc.SendText(ctx, 1, sess.SessionID, "Hello", "")
	require.ErrorIs(t, err, ErrEnqueue)
	require.NotNil(t, ex)

	stored, err := f.repo.GetMessage(ctx, ex.AssistantMessage.MessageID)
	require.NoError(t, err)
	assert.Equal(t, events.MessageComplete, stored.Status)
	v, ok := stored.variant(events.VariantText)
	require.True(t, ok)
	assert.Equal(t, events.VariantFailed, v.Status)

	updates := messagePayloads(t, f.bus.Named(events.Message))
	require.Len(t, updates, 3)
	assert.Equal(t, events.MessageUpdate, updates[2].Type)
}

func TestRunJob_ReplyFillsPlaceholder(t *testing.T) {
	prov := &recordingProvider{reply: "Brush twice a week."}
	f := newFixture(t, prov, 20)
	ctx := context.Background()
	sess := f.session(t, 1)

	ex, err := f.svc.SendText(ctx, 1, sess.SessionID, "How often should I brush my dog?", "")
	require.NoError(t, err)
	jobID := f.queue.jobs()[0]

	require.NoError(t, f.svc.RunJob(ctx, jobID))

	stored, err := f.repo.GetMessage(ctx, ex.AssistantMessage.MessageID)
	require.NoError(t, err)
	assert.Equal(t, events.MessageComplete, stored.Status)
	assert.Equal(t, "Brush twice a week.", stored.Snapshot().Text())

	job, err := f.svc.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, job.Status)

	// system prompt, then the user's question; the placeholder is left out
	require.Len(t, prov.last, 2)
	assert.Equal(t, ai.RoleSystem, prov.last[0].Role)
	assert.Equal(t, ai.Message{Role: ai.RoleUser, Content: "How often should I brush my dog?"}, prov.last[1])

	typing := f.bus.Named(events.Typing)
	require.Len(t, typing, 2)
	var on, off events.TypingEvent
	require.NoError(t, json.Unmarshal(typing[0].Data, &on))
	require.NoError(t, json.Unmarshal(typing[1].Data, &off))
	assert.True(t, on.IsTyping)
	assert.False(t, off.IsTyping)
	assert.Equal(t, AssistantUserID, on.UserID)

	msgs := messagePayloads(t, f.bus.Named(events.Message))
	last := msgs[len(msgs)-1]
	assert.Equal(t, events.MessageUpdate, last.Type)
	assert.Equal(t, ex.AssistantMessage.MessageID, last.Message.ID)
	assert.Equal(t, events.MessageComplete, last.Message.Status)

	// redelivery of a finished job is a no-op
	require.NoError(t, f.svc.RunJob(ctx, jobID))
	assert.Equal(t, 1, prov.calls)
}

func TestRunJob_UsesContextWindow(t *testing.T) {
	prov := &recordingProvider{}
	f := newFixture(t, prov, 3)
	ctx := context.Background()
	sess := f.session(t, 1)

	for i := 0; i < 3; i++ {
		_, err := f.svc.SendText(ctx, 1, sess.SessionID, fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
		require.NoError(t, f.svc.RunJob(ctx, f.queue.jobs()[i]))
	}

	// 6 messages stored; the provider sees the system prompt plus the last 3
	require.Len(t, prov.last, 4)
	assert.Equal(t, "m1", prov.last[1].Content)
	assert.Equal(t, "ok", prov.last[2].Content)
	assert.Equal(t, ai.RoleAssistant, prov.last[2].Role)
	assert.Equal(t, "m2", prov.last[3].Content)
}

func TestRunJob_ProviderErrorFailsReply(t *testing.T) {
	prov := &recordingProvider{err: errors.New("model overloaded")}
	f := newFixture(t, prov, 20)
	ctx := context.Background()
	sess := f.session(t, 1)

	ex, err := f.svc.SendText(ctx, 1, sess.SessionID, "Hello", "")
	require.NoError(t, err)
	jobID := f.queue.jobs()[0]

	require.Error(t, f.svc.RunJob(ctx, jobID))

	stored, err := f.repo.GetMessage(ctx, ex.AssistantMessage.MessageID)
	require.NoError(t, err)
	v, ok := stored.variant(events.VariantText)
	require.True(t, ok)
	assert.Equal(t, events.VariantFailed, v.Status)
	assert.NotEmpty(t, v.Payload.Error)

	job, err := f.svc.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "model overloaded")

	// typing is switched off even when the provider fails
	typing := f.bus.Named(events.Typing)
	require.Len(t, typing, 2)
}

func TestRunJob_StreamingPublishesPartials(t *testing.T) {
	prov := &streamingProvider{chunks: []string{"Feed ", "twice ", "daily."}}
	f := newFixture(t, prov, 20)
	ctx := context.Background()
	sess := f.session(t, 1)

	ex, err := f.svc.SendText(ctx, 1, sess.SessionID, "How often should I feed my cat?", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.RunJob(ctx, f.queue.jobs()[0]))

	var texts []string
	for _, me := range messagePayloads(t, f.bus.Named(events.Message)) {
		if me.Type == events.MessageUpdate && me.Message.ID == ex.AssistantMessage.MessageID {
			texts = append(texts, me.Message.Text())
		}
	}
	require.Equal(t, []string{"Feed ", "Feed twice ", "Feed twice daily.", "Feed twice daily."}, texts)

	stored, err := f.repo.GetMessage(ctx, ex.AssistantMessage.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "Feed twice daily.", stored.Snapshot().Text())
	assert.Equal(t, 1, prov.calls)
}

func TestSendAudio_AssetReadyQueuesReply(t *testing.T) {
	prov := &recordingProvider{reply: "Sounds like a happy dog!"}
	f := newFixture(t, prov, 20, WithAssetProber(fakeProber{payload: events.VariantPayload{MimeType: "audio/webm", Size: 2048}}))
	ctx := context.Background()
	sess := f.session(t, 1)

	msg, err := f.svc.SendAudio(ctx, 1, sess.SessionID, MediaRef{ID: "MEDIA1", MimeType: "audio/webm", Size: 2048})
	require.NoError(t, err)
	assert.Equal(t, events.MessagePending, msg.Status)
	require.Len(t, msg.Variants, 1)
	assert.Equal(t, events.VariantAudio, msg.Variants[0].Type)
	assert.Equal(t, events.VariantPending, msg.Variants[0].Status)

	require.Len(t, f.queue.jobs(), 1)
	require.NoError(t, f.svc.RunJob(ctx, f.queue.jobs()[0]))

	updates := f.bus.Named(events.AssetUpdate)
	require.Len(t, updates, 1)
	var au events.AssetUpdateEvent
	require.NoError(t, json.Unmarshal(updates[0].Data, &au))
	assert.Equal(t, msg.MessageID, au.MessageID)
	assert.Equal(t, events.VariantReady, au.Asset.Status)
	assert.Equal(t, "MEDIA1", au.Asset.Payload.MediaID)

	stored, err := f.repo.GetMessage(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, events.MessageComplete, stored.Status)

	var snap *events.MessageEvent
	for _, me := range messagePayloads(t, f.bus.Named(events.Message)) {
		if me.Message.ID == msg.MessageID && me.Type == events.MessageUpdate {
			snap = &me
		}
	}
	require.NotNil(t, snap)
	assert.Equal(t, events.VariantReady, snap.Message.Variants[0].Status)

	// a reply job follows the voice note
	require.Len(t, f.queue.jobs(), 2)
	require.NoError(t, f.svc.RunJob(ctx, f.queue.jobs()[1]))
	require.Len(t, prov.last, 2)
	assert.Equal(t, "[voice message]", prov.last[1].Content)
}

func TestSendAudio_ProbeFailureMarksVariantFailed(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20, WithAssetProber(fakeProber{err: errors.New("not an audio file")}))
	ctx := context.Background()
	sess := f.session(t, 1)

	msg, err := f.svc.SendAudio(ctx, 1, sess.SessionID, MediaRef{ID: "MEDIA2", MimeType: "audio/ogg"})
	require.NoError(t, err)

	// rejected media is final; the delivery is acked
	require.NoError(t, f.svc.RunJob(ctx, f.queue.jobs()[0]))

	stored, err := f.repo.GetMessage(ctx, msg.MessageID)
	require.NoError(t, err)
	v, ok := stored.variant(events.VariantAudio)
	require.True(t, ok)
	assert.Equal(t, events.VariantFailed, v.Status)
	assert.Equal(t, "not an audio file", v.Payload.Error)

	assert.Len(t, f.bus.Named(events.AssetUpdate), 1)
	assert.Len(t, f.queue.jobs(), 1)
}

func TestSendMedia_RejectsText(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20)
	sess := f.session(t, 1)

	_, err := f.svc.SendMedia(context.Background(), 1, sess.SessionID, MediaRef{ID: "X", Type: events.VariantText})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestListMessages_BeforeCursor(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20)
	ctx := context.Background()
	sess := f.session(t, 1)

	for i := 0; i < 3; i++ {
		_, err := f.svc.SendText(ctx, 1, sess.SessionID, fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
	}

	page, err := f.svc.ListMessages(ctx, 1, sess.SessionID, 4, "")
	require.NoError(t, err)
	require.Len(t, page, 4)
	for i := 1; i < len(page); i++ {
		assert.Greater(t, page[i-1].MessageID, page[i].MessageID)
	}

	older, err := f.svc.ListMessages(ctx, 1, sess.SessionID, 50, page[len(page)-1].MessageID)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "m0", older[1].Snapshot().Text())

	_, err = f.svc.ListMessages(ctx, 2, sess.SessionID, 50, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRunJob_DatabaseErrorIsTemporary(t *testing.T) {
	f := newFixture(t, &recordingProvider{}, 20)
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = f.svc.RunJob(context.Background(), "01J0000000000000000000000A")
	require.Error(t, err)
	require.True(t, IsTemporary(err))
	require.False(t, IsTemporary(ErrNotFound))
}
