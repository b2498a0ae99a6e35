package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type JobKind string

const (
	// JobReply fills an assistant placeholder message with a provider reply.
	JobReply JobKind = "reply"
	// JobAsset checks an uploaded media variant and marks it ready or failed.
	JobAsset JobKind = "asset"
)

type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	Kind      JobKind `gorm:"type:varchar(16);not null"`
	UserID    uint64  `gorm:"index;not null;index:uniq_user_idempo,unique,priority:1"`
	SessionID string  `gorm:"size:24;index;not null"`

	// MessageID is the message the job writes to; SourceMessageID the user
	// message that triggered it.
	MessageID       string `gorm:"size:26;not null"`
	SourceMessageID string `gorm:"size:26"`
	MediaID         string `gorm:"size:26"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "chat_jobs" }
