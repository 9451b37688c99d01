package dto

import (
	"time"
)

type JobResponseDTO struct {
	ID           string     `json:"id"`
	State        string     `json:"state"`
	ChatID       int64      `json:"chat_id"`
	MessageID    int        `json:"message_id"`
	FileName     string     `json:"file_name,omitempty"`
	FileSize     int64      `json:"file_size"`
	SourceFormat string     `json:"source_format,omitempty"`
	TargetFormat string     `json:"target_format"`
	Attempt      int        `json:"attempt"`
	MaxAttempts  int        `json:"max_attempts"`
	ResultName   string     `json:"result_name,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
	LeaseOwner   string     `json:"lease_owner,omitempty"`
	LeaseExpires *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type JobListQuery struct {
	State string `form:"state" validate:"omitempty,oneof=pending downloading detecting converting delivering succeeded failed"`
	Limit int    `form:"limit" validate:"gte=0,lte=500"`
}

type FormatStatDTO struct {
	Format      string `json:"format"`
	InputCount  int64  `json:"input_count"`
	OutputCount int64  `json:"output_count"`
}
