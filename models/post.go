package models

import (
	"time"

	"gorm.io/gorm"
)

// Post represents a blog entry. BodyMarkdown is the source of truth; the
// preview and rendered HTML are derived views of it.
type Post struct {
	PID          uint      `gorm:"column:pid;primaryKey" json:"pid"`
	Title        string    `gorm:"size:255;not null" json:"title"`
	Tags         string    `gorm:"size:255" json:"tags"`
	Topic        string    `gorm:"size:64;index" json:"topic"`
	FriendlyURL  string    `gorm:"column:friendly_url;size:255;uniqueIndex;not null" json:"friendly_url"`
	BodyPreview  string    `gorm:"type:text" json:"body_preview"`
	BodyMarkdown string    `gorm:"type:text;not null" json:"body_markdown"`
	DateCreated  time.Time `gorm:"column:date_created" json:"date_created"`
}

// BeforeCreate stamps the creation date. DateCreated is immutable afterwards;
// updates must never include this column.
func (p *Post) BeforeCreate(tx *gorm.DB) error {
	if p.DateCreated.IsZero() {
		p.DateCreated = time.Now()
	}
	return nil
}
