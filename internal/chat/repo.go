package chat

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Models lists the tables owned by this package, for migrations.
func Models() []any {
	return []any{&Session{}, &Message{}, &Job{}}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// ListSessions returns one page of a user's sessions, most recently active first.
func (r *Repo) ListSessions(ctx context.Context, userID uint64, status SessionStatus, offset, limit int) ([]Session, int64, error) {
	scope := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&Session{}).Where("user_id = ?", userID)
		if status != "" {
			q = q.Where("status = ?", status)
		}
		return q
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []Session
	if err := scope().Order("updated_at DESC").Order("id DESC").
		Offset(offset).Limit(limit).
		Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *Repo) UpdateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Save(s).Error
}

// TouchSession bumps updated_at so the session sorts first.
func (r *Repo) TouchSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("updated_at", time.Now()).Error
}

// DeleteSession removes the session with its messages and jobs.
func (r *Repo) DeleteSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&Job{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("session_id = ?", sessionID).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *Repo) SaveMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Save(m).Error
}

// ListMessages returns messages newest first. before is a message id cursor;
// message ids sort in creation order.
func (r *Repo) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, before string) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("message_id DESC").
		Limit(limit)

	if before != "" {
		q = q.Where("message_id < ?", before)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC order (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("message_id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateExchange stores the user message, the assistant placeholder and the
// reply job atomically. A duplicate idempotency key fails the whole insert.
func (r *Repo) CreateExchange(ctx context.Context, userMsg, assistantMsg *Message, job *Job) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if userMsg != nil {
			if err := tx.Create(userMsg).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(assistantMsg).Error; err != nil {
			return err
		}
		return tx.Create(job).Error
	})
}

// CreateMessageWithJob stores a message and the job that will process it.
func (r *Repo) CreateMessageWithJob(ctx context.Context, m *Message, job *Job) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Create(job).Error
	})
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

// UpdateJobStatusRunning claims a queued job. It reports false when the job
// was already claimed or finished, e.g. on a redelivered queue message.
func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobSucceeded,
			"error":  nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}
