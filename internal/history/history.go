// Package history stores chat messages and conversation activity in the
// embedded database. It is the router's message source and the append
// point the main group's exchanges are mirrored into.
package history

import (
	"fmt"
	"time"

	"github.com/zulandar/stationmaster/internal/models"
	"gorm.io/gorm"
)

// Put stores one chat message and refreshes the conversation's activity
// recency. The chat's display name is updated when name is non-empty.
func Put(db *gorm.DB, msg models.ChatMessage, chatName string) error {
	if msg.ChatJID == "" {
		return fmt.Errorf("history: chat jid is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := db.Create(&msg).Error; err != nil {
		return fmt.Errorf("history: put: %w", err)
	}
	return touchChat(db, msg.ChatJID, chatName, msg.Timestamp)
}

// touchChat upserts the conversation's metadata row.
func touchChat(db *gorm.DB, jid, name string, ts time.Time) error {
	var chat models.Chat
	err := db.Where("jid = ?", jid).First(&chat).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		chat = models.Chat{JID: jid, Name: name, LastMessageTime: ts}
		if err := db.Create(&chat).Error; err != nil {
			return fmt.Errorf("history: create chat %s: %w", jid, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("history: lookup chat %s: %w", jid, err)
	}

	updates := map[string]interface{}{}
	if ts.After(chat.LastMessageTime) {
		updates["last_message_time"] = ts
	}
	if name != "" && name != chat.Name {
		updates["name"] = name
	}
	if len(updates) == 0 {
		return nil
	}
	if err := db.Model(&models.Chat{}).Where("jid = ?", jid).Updates(updates).Error; err != nil {
		return fmt.Errorf("history: touch chat %s: %w", jid, err)
	}
	return nil
}

// Since returns user messages newer than the (after, afterID) watermark,
// restricted to the given chats, in (timestamp, id) order. Messages
// sharing the watermark timestamp are included when their id is higher,
// matching the ordering the router advances the watermark in. The
// assistant's own replies are never part of the router's work set.
func Since(db *gorm.DB, chatJIDs []string, after time.Time, afterID uint) ([]models.ChatMessage, error) {
	if len(chatJIDs) == 0 {
		return nil, nil
	}
	var msgs []models.ChatMessage
	err := db.Where("chat_jid IN ? AND (timestamp > ? OR (timestamp = ? AND id > ?)) AND from_assistant = ?",
		chatJIDs, after, after, afterID, false).
		Order("timestamp ASC, id ASC").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("history: since: %w", err)
	}
	return msgs, nil
}

// Window returns a chat's messages strictly newer than after, excluding
// the assistant's own replies, in timestamp order. This is the missed
// context window fed to the next agent invocation.
func Window(db *gorm.DB, chatJID string, after time.Time) ([]models.ChatMessage, error) {
	if chatJID == "" {
		return nil, fmt.Errorf("history: chat jid is required")
	}
	var msgs []models.ChatMessage
	err := db.Where("chat_jid = ? AND timestamp > ? AND from_assistant = ?", chatJID, after, false).
		Order("timestamp ASC, id ASC").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("history: window %s: %w", chatJID, err)
	}
	return msgs, nil
}

// Chats returns all known conversations ordered by activity recency,
// newest first.
func Chats(db *gorm.DB) ([]models.Chat, error) {
	var chats []models.Chat
	if err := db.Order("last_message_time DESC").Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("history: chats: %w", err)
	}
	return chats, nil
}

// Chat returns one conversation's metadata, if known.
func Chat(db *gorm.DB, jid string) (*models.Chat, error) {
	var chat models.Chat
	err := db.Where("jid = ?", jid).First(&chat).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: chat %s: %w", jid, err)
	}
	return &chat, nil
}
