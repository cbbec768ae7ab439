package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zulandar/stationmaster/internal/history"
	"github.com/zulandar/stationmaster/internal/models"
	"github.com/zulandar/stationmaster/internal/state"
	"gorm.io/gorm"
)

// Snapshot file names written into a group's workspace before invocation.
// They are the sandboxed agent's only view of orchestrator state.
const (
	tasksSnapshotFile  = "tasks.json"
	groupsSnapshotFile = "groups.json"
)

// taskSnapshot is one task as presented to the agent.
type taskSnapshot struct {
	ID            uint       `json:"id"`
	GroupFolder   string     `json:"groupFolder"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	Status        string     `json:"status"`
	NextRun       *time.Time `json:"next_run"`
}

// groupSnapshot is one known conversation as presented to the agent.
type groupSnapshot struct {
	JID          string    `json:"jid"`
	Name         string    `json:"name"`
	LastActivity time.Time `json:"lastActivity"`
	IsRegistered bool      `json:"isRegistered"`
}

// writeSnapshots publishes the task and conversation snapshots into the
// workspace. The main group sees everything; other groups see only their
// own tasks and their own conversation.
func writeSnapshots(db *gorm.DB, store *state.Store, group state.RegisteredGroup, workspace string) error {
	if err := writeTasksSnapshot(db, store, group, workspace); err != nil {
		return err
	}
	return writeGroupsSnapshot(db, store, group, workspace)
}

func writeTasksSnapshot(db *gorm.DB, store *state.Store, group state.RegisteredGroup, workspace string) error {
	q := db.Order("id ASC")
	if !store.IsMain(group.Folder) {
		q = q.Where("group_folder = ?", group.Folder)
	}
	var tasks []models.Task
	if err := q.Find(&tasks).Error; err != nil {
		return fmt.Errorf("agent: snapshot tasks: %w", err)
	}

	out := make([]taskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
			NextRun:       t.NextRun,
		})
	}
	return writeSnapshotFile(filepath.Join(workspace, tasksSnapshotFile), out)
}

func writeGroupsSnapshot(db *gorm.DB, store *state.Store, group state.RegisteredGroup, workspace string) error {
	var out []groupSnapshot

	if store.IsMain(group.Folder) {
		chats, err := history.Chats(db)
		if err != nil {
			return fmt.Errorf("agent: snapshot groups: %w", err)
		}
		seen := make(map[string]bool, len(chats))
		for _, c := range chats {
			_, registered := store.GroupByJID(c.JID)
			out = append(out, groupSnapshot{
				JID:          c.JID,
				Name:         c.Name,
				LastActivity: c.LastMessageTime,
				IsRegistered: registered,
			})
			seen[c.JID] = true
		}
		// Registered groups with no stored messages yet still show up.
		for _, g := range store.Groups() {
			if !seen[g.JID] {
				out = append(out, groupSnapshot{JID: g.JID, Name: g.Name, IsRegistered: true})
			}
		}
	} else {
		snap := groupSnapshot{JID: group.JID, Name: group.Name, IsRegistered: true}
		if c, err := history.Chat(db, group.JID); err == nil && c != nil {
			snap.LastActivity = c.LastMessageTime
		}
		out = append(out, snap)
	}

	return writeSnapshotFile(filepath.Join(workspace, groupsSnapshotFile), out)
}

func writeSnapshotFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("agent: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("agent: write %s: %w", path, err)
	}
	return nil
}
