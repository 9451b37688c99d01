package models

import "time"

// Chat is a registry entry for every chat the bot has talked to.
type Chat struct {
	ChatID     int64  `gorm:"primaryKey"`
	Title      string `gorm:"type:varchar(255)"`
	Kind       string `gorm:"type:varchar(32)"`
	UsageCount int64  `gorm:"not null;default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FormatStat counts how often a format was seen as input or produced as
// output, per format.
type FormatStat struct {
	Format      string `gorm:"primaryKey;type:varchar(16)"`
	InputCount  int64  `gorm:"not null;default:0"`
	OutputCount int64  `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}
