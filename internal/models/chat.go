package models

import "time"

// ChatMessage is one stored message in a conversation. The router reads
// these to find work newer than the delivery cursor and to build the
// missed-context window; the assistant's own replies are stored with
// FromAssistant set so they can be excluded from context.
type ChatMessage struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	ChatJID       string    `gorm:"column:chat_jid;size:128;not null;index:idx_chat_time"`
	Sender        string    `gorm:"size:128"`
	Content       string    `gorm:"type:text;not null"`
	FromAssistant bool      `gorm:"default:false"`
	Timestamp     time.Time `gorm:"not null;index:idx_chat_time"`
	CreatedAt     time.Time
}

// Chat tracks a known conversation's display name and activity recency,
// registered or not. The main group's snapshot lists all of these.
type Chat struct {
	JID             string    `gorm:"column:jid;primaryKey;size:128"`
	Name            string    `gorm:"size:256"`
	LastMessageTime time.Time `gorm:"index"`
}
