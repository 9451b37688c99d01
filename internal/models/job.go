package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type JobState string

const (
	JobStatePending     JobState = "pending"
	JobStateDownloading JobState = "downloading"
	JobStateDetecting   JobState = "detecting"
	JobStateConverting  JobState = "converting"
	JobStateDelivering  JobState = "delivering"
	JobStateSucceeded   JobState = "succeeded"
	JobStateFailed      JobState = "failed"
)

// Terminal reports whether no further automatic transition happens.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

type ErrorKind string

const (
	ErrorKindTransient         ErrorKind = "transient"
	ErrorKindInvalidInput      ErrorKind = "invalid_input"
	ErrorKindUnsupportedFormat ErrorKind = "unsupported_format"
	ErrorKindCancelled         ErrorKind = "cancelled"
	ErrorKindInternal          ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind may re-enter the queue.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient
}

// Job is one tracked request to convert a specific uploaded file into a
// specific target format. The ID is derived from (chat, message, target
// format), so a redelivered upload maps back onto the same row.
type Job struct {
	ID             string         `gorm:"primaryKey;type:varchar(64)"`
	State          JobState       `gorm:"type:varchar(20);not null;default:'pending';index:idx_jobs_state_available"`
	ChatID         int64          `gorm:"not null;index:idx_jobs_source"`
	MessageID      int            `gorm:"not null;index:idx_jobs_source"`
	FileID         string         `gorm:"type:varchar(255);not null"`
	FileName       string         `gorm:"type:varchar(255)"`
	FileSize       int64          `gorm:"not null;default:0"`
	SourceFormat   string         `gorm:"type:varchar(16)"`
	TargetFormat   string         `gorm:"type:varchar(16);not null"`
	Attempt        int            `gorm:"not null;default:0"`
	MaxAttempts    int            `gorm:"not null;default:3"`
	ResultPath     string         `gorm:"type:text"`
	ResultName     string         `gorm:"type:varchar(255)"`
	ResultMeta     datatypes.JSON `gorm:"type:jsonb"`
	CancelRequested bool          `gorm:"not null;default:false"`
	ErrorKind      ErrorKind      `gorm:"type:varchar(32)"`
	ErrorDetail    string         `gorm:"type:text"`
	LeaseOwner     string         `gorm:"type:varchar(64)"`
	LeaseExpiresAt *time.Time     `gorm:"index:idx_jobs_state_available"`
	EnqueuedAt     time.Time      `gorm:"not null;index"`
	AvailableAt    time.Time      `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime"`
}

// JobID returns the deterministic job identifier for a source message and
// target format. Admission relies on this to make redelivery idempotent.
func JobID(chatID int64, messageID int, targetFormat string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d:%d:%s", chatID, messageID, targetFormat))
	return hex.EncodeToString(sum[:])
}
