package models

import "time"

// Task schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses. A one-shot task moves to StatusCompleted after firing and
// is never executed again.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Context modes. Isolated invocations get only the stored prompt; group
// invocations also get the chat's missed-message window.
const (
	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// Task is a persisted scheduled agent invocation. Only the scheduler
// advances NextRun for recurring tasks; IPC commands flip Status.
type Task struct {
	ID            uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	GroupFolder   string     `gorm:"size:128;not null;index" json:"groupFolder"`
	ChatJID       string     `gorm:"column:chat_jid;size:128;not null" json:"chat_jid"`
	Prompt        string     `gorm:"type:text;not null" json:"prompt"`
	ScheduleType  string     `gorm:"size:16;not null" json:"schedule_type"`
	ScheduleValue string     `gorm:"size:256;not null" json:"schedule_value"`
	ContextMode   string     `gorm:"size:16;default:isolated" json:"context_mode"`
	NextRun       *time.Time `gorm:"index" json:"next_run"`
	Status        string     `gorm:"size:16;default:active;index" json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}
