package chat

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pawcare/portal/internal/ai"
	"github.com/pawcare/portal/internal/common"
	"github.com/pawcare/portal/internal/events"
)

// JobQueue hands a stored job to the worker fleet.
type JobQueue interface {
	PublishJob(ctx context.Context, jobID string) error
}

// AssetProber inspects an uploaded blob and returns its verified payload.
type AssetProber interface {
	Probe(ctx context.Context, mediaID string) (events.VariantPayload, error)
}

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	contextWindowSize int

	publisher       events.Publisher
	queue           JobQueue
	assets          AssetProber
	streamInterval  time.Duration
	defaultProvider string
	log             zerolog.Logger
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithQueue(q JobQueue) Option {
	return func(s *Service) { s.queue = q }
}

func WithAssetProber(a AssetProber) Option {
	return func(s *Service) { s.assets = a }
}

// WithStreamInterval sets how often partial assistant replies are pushed
// while a provider streams. Zero pushes every chunk.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Service) { s.streamInterval = d }
}

// WithDefaultProvider names the provider used by sessions created without one.
func WithDefaultProvider(name string) Option {
	return func(s *Service) {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			s.defaultProvider = name
		}
	}
}

func NewService(repo *Repo, registry *ai.Registry, contextWindowSize int, opts ...Option) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	s := &Service{
		repo:              repo,
		registry:          registry,
		contextWindowSize: contextWindowSize,
		publisher:         nopPublisher{},
		streamInterval:    250 * time.Millisecond,
		defaultProvider:   "ollama",
		log:               log.With().Str("component", "chat").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

const (
	// AssistantUserID tags typing events produced by the assistant.
	AssistantUserID = "assistant"

	systemPrompt = "You are the PawCare assistant. Give friendly, practical advice about pet care, " +
		"nutrition and PawCare products. Recommend a veterinarian for anything that sounds urgent."
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) error { return nil }

// Exchange is the result of sending a text message: the stored user message
// and the assistant placeholder that the reply job will fill in.
type Exchange struct {
	UserMessage      *Message
	AssistantMessage *Message
	// Created is false when an idempotency key matched an earlier send.
	Created bool
}

// CreateSession starts a session on the given provider, or the default one.
// An empty model leaves the choice to the provider's configured default.
func (s *Service) CreateSession(ctx context.Context, userID uint64, title, provider, model string) (*Session, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = s.defaultProvider
	}
	if !slices.Contains(s.registry.Names(), provider) {
		return nil, errors.Wrap(ErrUnknownProvider, provider)
	}

	sid, err := common.NewSessionID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Title:     strings.TrimSpace(title),
		Status:    SessionActive,
		Provider:  provider,
		Model:     strings.TrimSpace(model),
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	return session, nil
}

// ownedSession loads a session and hides other users' sessions as not found.
func (s *Service) ownedSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	if !common.IsSessionID(sessionID) {
		return nil, ErrInvalidSession
	}
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *Service) ValidateSessionOwner(ctx context.Context, userID uint64, sessionID string) error {
	_, err := s.ownedSession(ctx, userID, sessionID)
	return err
}

func (s *Service) GetSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	return s.ownedSession(ctx, userID, sessionID)
}

// ListSessions pages through a user's sessions. page starts at 1.
func (s *Service) ListSessions(ctx context.Context, userID uint64, page, limit int, status SessionStatus) ([]Session, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListSessions(ctx, userID, status, (page-1)*limit, limit)
}

func (s *Service) ArchiveSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionArchived
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, errors.Wrap(err, "archive session")
	}
	return sess, nil
}

func (s *Service) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return err
	}
	return s.repo.DeleteSession(ctx, sessionID)
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, before string) ([]Message, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, userID, sessionID, limit, before)
}

// SendText stores the user's message with an assistant placeholder and queues
// the reply. Both messages are announced on the realtime channel; the REST
// caller gets the same snapshots back, and clients merge them by id.
func (s *Service) SendText(ctx context.Context, userID uint64, sessionID, text, idempotencyKey string) (*Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	var key *string
	if idempotencyKey != "" {
		ex, err := s.existingExchange(ctx, userID, idempotencyKey)
		if err == nil {
			return ex, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		key = &idempotencyKey
	}

	userMsg, err := newMessage(sessionID, userID, events.SenderUser, events.MessageComplete, events.Variant{
		Type:    events.VariantText,
		Status:  events.VariantReady,
		Payload: events.VariantPayload{Text: text},
	})
	if err != nil {
		return nil, err
	}
	userMsg.IdempotencyKey = key

	assistant, err := newPlaceholder(sessionID, userID)
	if err != nil {
		return nil, err
	}
	job, err := newJob(JobReply, userID, sessionID, assistant.MessageID)
	if err != nil {
		return nil, err
	}
	job.SourceMessageID = userMsg.MessageID
	job.IdempotencyKey = key

	if err := s.repo.CreateExchange(ctx, userMsg, assistant, job); err != nil {
		// lost a race against the same key
		if key != nil {
			if ex, getErr := s.existingExchange(ctx, userID, idempotencyKey); getErr == nil {
				return ex, nil
			}
		}
		return nil, errors.Wrap(err, "store exchange")
	}
	s.touch(ctx, sessionID)

	s.publishMessage(ctx, events.MessageNew, userMsg)
	s.publishMessage(ctx, events.MessageNew, assistant)

	ex := &Exchange{UserMessage: userMsg, AssistantMessage: assistant, Created: true}
	if err := s.enqueue(ctx, job, assistant); err != nil {
		return ex, err
	}
	return ex, nil
}

func (s *Service) existingExchange(ctx context.Context, userID uint64, key string) (*Exchange, error) {
	job, err := s.repo.GetJobByUserAndIdempotencyKey(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	userMsg, err := s.repo.GetMessage(ctx, job.SourceMessageID)
	if err != nil {
		return nil, err
	}
	assistant, err := s.repo.GetMessage(ctx, job.MessageID)
	if err != nil {
		return nil, err
	}
	return &Exchange{UserMessage: userMsg, AssistantMessage: assistant}, nil
}

// SendMedia stores a user message carrying an uploaded audio, video or image
// blob. The variant stays pending until the asset job has checked the blob.
func (s *Service) SendMedia(ctx context.Context, userID uint64, sessionID string, ref MediaRef) (*Message, error) {
	switch ref.Type {
	case events.VariantAudio, events.VariantVideo, events.VariantImage:
	default:
		return nil, ErrUnsupported
	}
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	msg, err := newMessage(sessionID, userID, events.SenderUser, events.MessagePending, events.Variant{
		Type:   ref.Type,
		Status: events.VariantPending,
		Payload: events.VariantPayload{
			MediaID:  ref.ID,
			MimeType: ref.MimeType,
			Size:     ref.Size,
		},
	})
	if err != nil {
		return nil, err
	}
	job, err := newJob(JobAsset, userID, sessionID, msg.MessageID)
	if err != nil {
		return nil, err
	}
	job.SourceMessageID = msg.MessageID
	job.MediaID = ref.ID

	if err := s.repo.CreateMessageWithJob(ctx, msg, job); err != nil {
		return nil, errors.Wrap(err, "store media message")
	}
	s.touch(ctx, sessionID)
	s.publishMessage(ctx, events.MessageNew, msg)

	if err := s.enqueue(ctx, job, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// SendAudio is SendMedia for voice notes.
func (s *Service) SendAudio(ctx context.Context, userID uint64, sessionID string, ref MediaRef) (*Message, error) {
	ref.Type = events.VariantAudio
	return s.SendMedia(ctx, userID, sessionID, ref)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

// RunJob executes a queued job. Jobs already claimed by another delivery are
// skipped. A returned error means the job failed and the delivery should be
// dead-lettered.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJobByID(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		// removed together with its session
		s.log.Info().Str("job_id", jobID).Msg("job not found, skipping")
		return nil
	}
	if err != nil {
		return temporaryError{errors.Wrapf(err, "load job %s", jobID)}
	}
	claimed, err := s.repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return temporaryError{errors.Wrapf(err, "claim job %s", jobID)}
	}
	if !claimed {
		s.log.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("job already claimed, skipping")
		return nil
	}

	switch job.Kind {
	case JobReply:
		return s.generateReply(ctx, job)
	case JobAsset:
		return s.processAsset(ctx, job)
	default:
		err := errors.Errorf("unknown job kind %q", job.Kind)
		s.failJob(ctx, job, err)
		return err
	}
}

func (s *Service) providerForSession(ctx context.Context, sess *Session) (ai.Provider, error) {
	p := sess.Provider
	if p == "" {
		p = s.defaultProvider
	}
	return s.registry.Get(ctx, p, sess.Model)
}

func (s *Service) generateReply(ctx context.Context, job *Job) error {
	l := s.log.With().Str("job_id", job.ID).Str("session_id", job.SessionID).Logger()

	target, err := s.repo.GetMessage(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// session deleted meanwhile
			s.failJob(ctx, job, err)
			return nil
		}
		return err
	}
	sess, err := s.repo.GetSessionBySessionID(ctx, job.SessionID)
	if err != nil {
		s.failJob(ctx, job, err)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		s.failReply(ctx, job, target, err)
		return err
	}

	history, err := s.providerContext(ctx, job.SessionID, target.MessageID)
	if err != nil {
		s.failReply(ctx, job, target, err)
		return err
	}

	s.publishTyping(ctx, job.SessionID, true)
	defer s.publishTyping(context.WithoutCancel(ctx), job.SessionID, false)

	start := time.Now()
	var reply string
	if sp, ok := provider.(ai.StreamProvider); ok {
		var last time.Time
		chunks, errs := sp.StreamChat(ctx, history)
		reply, err = ai.Collect(chunks, errs, func(sofar string) {
			if s.streamInterval > 0 && time.Since(last) < s.streamInterval {
				return
			}
			last = time.Now()
			s.publishPartial(ctx, target, sofar)
		})
	} else {
		reply, err = provider.Chat(ctx, history)
	}
	if err != nil {
		l.Warn().Err(err).Dur("cost", time.Since(start)).Msg("provider failed")
		s.failReply(ctx, job, target, err)
		return errors.Wrap(err, "generate reply")
	}

	target.setVariant(events.Variant{
		Type:    events.VariantText,
		Status:  events.VariantReady,
		Payload: events.VariantPayload{Text: reply},
	})
	target.Status = events.MessageComplete
	if err := s.repo.SaveMessage(ctx, target); err != nil {
		s.failJob(ctx, job, err)
		return errors.Wrap(err, "save reply")
	}
	s.touch(ctx, job.SessionID)
	s.publishMessage(ctx, events.MessageUpdate, target)

	if err := s.repo.MarkJobSucceeded(ctx, job.ID); err != nil {
		return errors.Wrap(err, "mark job succeeded")
	}
	if cost := time.Since(start); cost > 2*time.Second {
		l.Info().Dur("cost", cost).Int("reply_len", len(reply)).Msg("slow reply")
	}
	return nil
}

// providerContext builds the provider input from the last messages of the
// session, oldest first, leaving out the placeholder being filled.
func (s *Service) providerContext(ctx context.Context, sessionID, skipMessageID string) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, sessionID, s.contextWindowSize+1)
	if err != nil {
		return nil, err
	}

	out := make([]ai.Message, 0, len(recentDesc)+1)
	out = append(out, ai.Message{Role: ai.RoleSystem, Content: systemPrompt})

	var turns []ai.Message
	for i := range recentDesc {
		m := &recentDesc[i]
		if m.MessageID == skipMessageID {
			continue
		}
		content := promptContent(m)
		if content == "" {
			continue
		}
		if len(turns) == s.contextWindowSize {
			break
		}
		turns = append(turns, ai.Message{Role: roleFor(m.SenderType), Content: content})
	}
	// reverse to ASC (oldest -> newest)
	for i := len(turns) - 1; i >= 0; i-- {
		out = append(out, turns[i])
	}
	return out, nil
}

func promptContent(m *Message) string {
	if v, ok := m.variant(events.VariantText); ok && v.Status == events.VariantReady && v.Payload.Text != "" {
		return v.Payload.Text
	}
	for _, v := range m.Variants {
		if v.Status != events.VariantReady {
			continue
		}
		switch v.Type {
		case events.VariantAudio:
			return "[voice message]"
		case events.VariantVideo:
			return "[video]"
		case events.VariantImage:
			return "[photo]"
		}
	}
	return ""
}

func roleFor(t events.SenderType) string {
	switch t {
	case events.SenderAssistant:
		return ai.RoleAssistant
	case events.SenderSystem:
		return ai.RoleSystem
	default:
		return ai.RoleUser
	}
}

func (s *Service) processAsset(ctx context.Context, job *Job) error {
	msg, err := s.repo.GetMessage(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.failJob(ctx, job, err)
			return nil
		}
		return err
	}

	v, ok := mediaVariant(msg, job.MediaID)
	if !ok {
		err := errors.Errorf("message %s has no variant for media %s", msg.MessageID, job.MediaID)
		s.failJob(ctx, job, err)
		return nil
	}

	var probeErr error
	if s.assets == nil {
		probeErr = errors.New("media inspection unavailable")
	} else {
		var payload events.VariantPayload
		payload, probeErr = s.assets.Probe(ctx, job.MediaID)
		if probeErr == nil {
			payload.MediaID = job.MediaID
			if payload.MimeType == "" {
				payload.MimeType = v.Payload.MimeType
			}
			v.Payload = payload
		}
	}
	if probeErr != nil {
		v.Status = events.VariantFailed
		v.Payload.Error = probeErr.Error()
	} else {
		v.Status = events.VariantReady
		v.Payload.Error = ""
	}

	msg.setVariant(v)
	msg.Status = events.MessageComplete
	if err := s.repo.SaveMessage(ctx, msg); err != nil {
		return errors.Wrap(err, "save asset state")
	}
	s.publish(ctx, events.AssetUpdate, msg.SessionID, events.AssetUpdateEvent{
		SessionID: msg.SessionID,
		MessageID: msg.MessageID,
		Asset:     v,
	})
	// clients that missed the asset event still converge on the snapshot
	s.publishMessage(ctx, events.MessageUpdate, msg)

	if probeErr != nil {
		s.log.Info().Err(probeErr).Str("job_id", job.ID).Str("media_id", job.MediaID).Msg("asset rejected")
		s.failJob(ctx, job, probeErr)
		return nil
	}
	if err := s.repo.MarkJobSucceeded(ctx, job.ID); err != nil {
		return errors.Wrap(err, "mark job succeeded")
	}

	// the assistant answers voice notes and photos like text messages
	if _, err := s.requestReply(ctx, job.UserID, job.SessionID, msg.MessageID); err != nil {
		s.log.Warn().Err(err).Str("session_id", job.SessionID).Msg("queue reply after asset")
	}
	return nil
}

func mediaVariant(m *Message, mediaID string) (events.Variant, bool) {
	for _, v := range m.Variants {
		if v.Type != events.VariantText && v.Payload.MediaID == mediaID {
			return v, true
		}
	}
	return events.Variant{}, false
}

// requestReply creates an assistant placeholder and queues the job filling it.
func (s *Service) requestReply(ctx context.Context, userID uint64, sessionID, sourceMessageID string) (*Message, error) {
	assistant, err := newPlaceholder(sessionID, userID)
	if err != nil {
		return nil, err
	}
	job, err := newJob(JobReply, userID, sessionID, assistant.MessageID)
	if err != nil {
		return nil, err
	}
	job.SourceMessageID = sourceMessageID

	if err := s.repo.CreateExchange(ctx, nil, assistant, job); err != nil {
		return nil, errors.Wrap(err, "store reply placeholder")
	}
	s.publishMessage(ctx, events.MessageNew, assistant)
	return assistant, s.enqueue(ctx, job, assistant)
}

// enqueue publishes the job; when that fails the target message is marked
// failed so clients do not wait on it forever.
func (s *Service) enqueue(ctx context.Context, job *Job, target *Message) error {
	if s.queue == nil {
		s.log.Warn().Str("job_id", job.ID).Msg("no job queue configured, job left queued")
		return nil
	}
	if err := s.queue.PublishJob(ctx, job.ID); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("publish job failed")
		if job.Kind == JobReply {
			s.failReply(ctx, job, target, err)
		} else {
			s.failJob(ctx, job, err)
			s.failMedia(ctx, target, err)
		}
		return errors.Wrap(ErrEnqueue, err.Error())
	}
	return nil
}

func (s *Service) failJob(ctx context.Context, job *Job, cause error) {
	if err := s.repo.MarkJobFailed(context.WithoutCancel(ctx), job.ID, cause.Error()); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("mark job failed")
	}
}

// failReply completes the assistant placeholder with a failed text variant.
func (s *Service) failReply(ctx context.Context, job *Job, target *Message, cause error) {
	ctx = context.WithoutCancel(ctx)
	s.failJob(ctx, job, cause)
	target.setVariant(events.Variant{
		Type:    events.VariantText,
		Status:  events.VariantFailed,
		Payload: events.VariantPayload{Error: "the assistant could not answer, please try again"},
	})
	target.Status = events.MessageComplete
	if err := s.repo.SaveMessage(ctx, target); err != nil {
		s.log.Error().Err(err).Str("message_id", target.MessageID).Msg("save failed reply")
		return
	}
	s.publishMessage(ctx, events.MessageUpdate, target)
}

func (s *Service) failMedia(ctx context.Context, msg *Message, cause error) {
	ctx = context.WithoutCancel(ctx)
	for i := range msg.Variants {
		if msg.Variants[i].Type != events.VariantText {
			msg.Variants[i].Status = events.VariantFailed
			msg.Variants[i].Payload.Error = cause.Error()
		}
	}
	msg.Status = events.MessageComplete
	if err := s.repo.SaveMessage(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("message_id", msg.MessageID).Msg("save failed media")
		return
	}
	s.publishMessage(ctx, events.MessageUpdate, msg)
}

func (s *Service) touch(ctx context.Context, sessionID string) {
	if err := s.repo.TouchSession(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("touch session")
	}
}

// publish is best effort: REST responses carry the same snapshots, so a lost
// event only delays a client until its next fetch.
func (s *Service) publish(ctx context.Context, name, sessionID string, payload any) {
	ev, err := events.NewEvent(name, sessionID, payload)
	if err == nil {
		err = s.publisher.Publish(ctx, ev)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("event", name).Str("session_id", sessionID).Msg("publish event")
	}
}

func (s *Service) publishMessage(ctx context.Context, typ events.MessageEventType, m *Message) {
	s.publish(ctx, events.Message, m.SessionID, events.MessageEvent{
		SessionID: m.SessionID,
		Type:      typ,
		Message:   m.Snapshot(),
	})
}

// publishPartial pushes an unsaved snapshot of a streaming reply.
func (s *Service) publishPartial(ctx context.Context, target *Message, sofar string) {
	partial := *target
	partial.Variants = append([]events.Variant(nil), target.Variants...)
	partial.setVariant(events.Variant{
		Type:    events.VariantText,
		Status:  events.VariantPending,
		Payload: events.VariantPayload{Text: sofar},
	})
	partial.UpdatedAt = time.Now()
	s.publishMessage(ctx, events.MessageUpdate, &partial)
}

func (s *Service) publishTyping(ctx context.Context, sessionID string, typing bool) {
	s.publish(ctx, events.Typing, sessionID, events.TypingEvent{
		SessionID: sessionID,
		UserID:    AssistantUserID,
		IsTyping:  typing,
	})
}

func newMessage(sessionID string, userID uint64, sender events.SenderType, status events.MessageStatus, variants ...events.Variant) (*Message, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	return &Message{
		MessageID:  id,
		SessionID:  sessionID,
		UserID:     userID,
		SenderType: sender,
		Variants:   variants,
		Status:     status,
	}, nil
}

func newPlaceholder(sessionID string, userID uint64) (*Message, error) {
	return newMessage(sessionID, userID, events.SenderAssistant, events.MessagePending, events.Variant{
		Type:   events.VariantText,
		Status: events.VariantPending,
	})
}

func newJob(kind JobKind, userID uint64, sessionID, messageID string) (*Job, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:        id,
		Kind:      kind,
		UserID:    userID,
		SessionID: sessionID,
		MessageID: messageID,
		Status:    JobQueued,
	}, nil
}
