package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/stationmaster/internal/chat"
	"github.com/zulandar/stationmaster/internal/models"
	"github.com/zulandar/stationmaster/internal/scheduler"
	"github.com/zulandar/stationmaster/internal/state"
)

// messageRequest is an outbound-message request file.
type messageRequest struct {
	Type    string `json:"type"`
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

// taskRequest is a task-control request file. Fields beyond Type are
// command-specific; unused ones stay empty.
type taskRequest struct {
	Type string `json:"type"`

	// schedule_task
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	GroupFolder   string `json:"group_folder"`

	// pause_task / resume_task / cancel_task
	TaskID uint `json:"task_id"`

	// register_group
	JID             string                 `json:"jid"`
	Name            string                 `json:"name"`
	Folder          string                 `json:"folder"`
	Trigger         string                 `json:"trigger"`
	ContainerConfig map[string]interface{} `json:"container_config"`
}

// handleMessageFile applies one outbound-message request. A group may only
// message conversations it owns; main may message anything.
func (p *Processor) handleMessageFile(ctx context.Context, requester string, data []byte) error {
	var req messageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	if req.Type != "message" {
		return fmt.Errorf("unexpected type %q in messages dir", req.Type)
	}
	if req.ChatJID == "" || req.Text == "" {
		return fmt.Errorf("chatJid and text are required")
	}

	if !p.store.IsMain(requester) {
		owner, ok := p.store.GroupByJID(req.ChatJID)
		if !ok || owner.Folder != requester {
			return fmt.Errorf("group %q may not message %s", requester, req.ChatJID)
		}
	}

	if err := p.adapter.Send(ctx, chat.OutboundMessage{ChatJID: req.ChatJID, Text: req.Text}); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	fmt.Fprintf(p.out, "ipc: %s sent message to %s\n", requester, req.ChatJID)
	return nil
}

// handleTaskFile applies one task-control request.
func (p *Processor) handleTaskFile(ctx context.Context, requester string, data []byte) error {
	var req taskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}

	switch req.Type {
	case "schedule_task":
		return p.scheduleTask(requester, req)
	case "pause_task":
		return p.setTaskStatus(requester, req.TaskID, models.StatusActive, models.StatusPaused)
	case "resume_task":
		return p.setTaskStatus(requester, req.TaskID, models.StatusPaused, models.StatusActive)
	case "cancel_task":
		return p.cancelTask(requester, req.TaskID)
	case "register_group":
		return p.registerGroup(requester, req)
	case "refresh_groups":
		return p.refreshGroups(ctx, requester)
	default:
		return fmt.Errorf("unknown command %q", req.Type)
	}
}

// scheduleTask validates and persists a new task. The target conversation
// identity comes from the trusted registry, never from the payload.
func (p *Processor) scheduleTask(requester string, req taskRequest) error {
	folder := req.GroupFolder
	if folder == "" {
		folder = requester
	}
	if !p.store.IsMain(requester) && folder != requester {
		return fmt.Errorf("group %q may not schedule tasks for %q", requester, folder)
	}

	group, ok := p.store.GroupByFolder(folder)
	if !ok {
		return fmt.Errorf("no registered group with folder %q", folder)
	}

	if req.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	contextMode := req.ContextMode
	if contextMode == "" {
		contextMode = models.ContextIsolated
	}
	if contextMode != models.ContextIsolated && contextMode != models.ContextGroup {
		return fmt.Errorf("unknown context mode %q", contextMode)
	}

	if err := scheduler.ValidateSpec(req.ScheduleType, req.ScheduleValue, p.loc); err != nil {
		return err
	}
	next, err := scheduler.InitialNextRun(req.ScheduleType, req.ScheduleValue, time.Now(), p.loc)
	if err != nil {
		return err
	}

	task := models.Task{
		GroupFolder:   folder,
		ChatJID:       group.JID, // re-resolved from the registry
		Prompt:        req.Prompt,
		ScheduleType:  req.ScheduleType,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       &next,
		Status:        models.StatusActive,
		CreatedAt:     time.Now(),
	}
	if err := p.db.Create(&task).Error; err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	fmt.Fprintf(p.out, "ipc: %s scheduled task %d [%s %q] next run %s\n",
		requester, task.ID, task.ScheduleType, task.ScheduleValue, next.Format(time.RFC3339))
	return nil
}

// setTaskStatus flips a task between active and paused after an ownership
// check.
func (p *Processor) setTaskStatus(requester string, taskID uint, from, to string) error {
	task, err := p.ownedTask(requester, taskID)
	if err != nil {
		return err
	}
	if task.Status != from {
		return fmt.Errorf("task %d is %s, not %s", taskID, task.Status, from)
	}
	if err := p.db.Model(&models.Task{}).Where("id = ?", taskID).Update("status", to).Error; err != nil {
		return fmt.Errorf("update task %d: %w", taskID, err)
	}
	fmt.Fprintf(p.out, "ipc: %s set task %d to %s\n", requester, taskID, to)
	return nil
}

// cancelTask deletes a task after an ownership check.
func (p *Processor) cancelTask(requester string, taskID uint) error {
	if _, err := p.ownedTask(requester, taskID); err != nil {
		return err
	}
	if err := p.db.Delete(&models.Task{}, taskID).Error; err != nil {
		return fmt.Errorf("delete task %d: %w", taskID, err)
	}
	fmt.Fprintf(p.out, "ipc: %s cancelled task %d\n", requester, taskID)
	return nil
}

// ownedTask loads a task and enforces the ownership rule: non-main
// requesters may only act on tasks whose group folder equals their own.
func (p *Processor) ownedTask(requester string, taskID uint) (*models.Task, error) {
	if taskID == 0 {
		return nil, fmt.Errorf("task_id is required")
	}
	var task models.Task
	if err := p.db.First(&task, taskID).Error; err != nil {
		return nil, fmt.Errorf("task %d not found", taskID)
	}
	if !p.store.IsMain(requester) && task.GroupFolder != requester {
		return nil, fmt.Errorf("group %q may not act on task %d owned by %q", requester, taskID, task.GroupFolder)
	}
	return &task, nil
}

// registerGroup adds a conversation to the registry. Main only.
func (p *Processor) registerGroup(requester string, req taskRequest) error {
	if !p.store.IsMain(requester) {
		return fmt.Errorf("group %q may not register groups", requester)
	}
	if req.JID == "" || req.Folder == "" {
		return fmt.Errorf("jid and folder are required")
	}
	g := state.RegisteredGroup{
		JID:             req.JID,
		Name:            req.Name,
		Folder:          req.Folder,
		Trigger:         req.Trigger,
		AddedAt:         time.Now(),
		ContainerConfig: req.ContainerConfig,
	}
	if err := p.store.Register(g); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "ipc: %s registered group %s (folder %s)\n", requester, req.JID, req.Folder)
	return nil
}

// refreshGroups triggers a group-metadata refresh. Main only.
func (p *Processor) refreshGroups(ctx context.Context, requester string) error {
	if !p.store.IsMain(requester) {
		return fmt.Errorf("group %q may not refresh groups", requester)
	}
	if p.refresh == nil {
		return nil
	}
	if err := p.refresh(ctx); err != nil {
		return fmt.Errorf("refresh groups: %w", err)
	}
	fmt.Fprintf(p.out, "ipc: %s refreshed group metadata\n", requester)
	return nil
}
