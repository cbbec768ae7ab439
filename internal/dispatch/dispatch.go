// Package dispatch is the single invoke-and-deliver path shared by the
// message router and the task scheduler. Keeping it in one place means the
// snapshot and authorization behavior of the two call sites can never
// diverge.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/stationmaster/internal/agent"
	"github.com/zulandar/stationmaster/internal/chat"
	"github.com/zulandar/stationmaster/internal/history"
	"github.com/zulandar/stationmaster/internal/models"
	"github.com/zulandar/stationmaster/internal/state"
	"gorm.io/gorm"
)

// Invoker runs one agent invocation. Implemented by *agent.Invoker.
type Invoker interface {
	Invoke(ctx context.Context, group state.RegisteredGroup, prompt, chatJID string) agent.Result
}

// Request describes one dispatch. BasePrompt is the text the invocation is
// about (empty for router dispatches, where the missed window is the whole
// prompt; the task's stored text for scheduler dispatches).
type Request struct {
	Group       state.RegisteredGroup
	ChatJID     string
	BasePrompt  string
	ContextMode string // models.ContextIsolated or models.ContextGroup

	// AdvanceContextTo, when set, is the timestamp last_agent_timestamp
	// is advanced to on success (the triggering message's timestamp for
	// router dispatches).
	AdvanceContextTo *time.Time
}

// Dispatcher builds prompts, serializes invocations per group, and
// delivers agent replies back to the conversation.
type Dispatcher struct {
	db            *gorm.DB
	store         *state.Store
	invoker       Invoker
	adapter       chat.Adapter
	assistantName string

	mu         sync.Mutex
	groupLocks map[string]*sync.Mutex
}

// Opts holds parameters for creating a Dispatcher.
type Opts struct {
	DB            *gorm.DB
	Store         *state.Store
	Invoker       Invoker
	Adapter       chat.Adapter
	AssistantName string
}

// New creates a Dispatcher.
func New(opts Opts) (*Dispatcher, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("dispatch: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("dispatch: store is required")
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("dispatch: invoker is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("dispatch: adapter is required")
	}
	if opts.AssistantName == "" {
		return nil, fmt.Errorf("dispatch: assistant name is required")
	}
	return &Dispatcher{
		db:            opts.DB,
		store:         opts.Store,
		invoker:       opts.Invoker,
		adapter:       opts.Adapter,
		assistantName: opts.AssistantName,
		groupLocks:    make(map[string]*sync.Mutex),
	}, nil
}

// Dispatch runs one agent invocation end to end: build the prompt
// (honoring the context mode), invoke under the group's lock, advance the
// context watermark, and deliver the reply. A returned error means the
// invocation did not complete; callers decide whether to retry (router)
// or wait for the next occurrence (scheduler).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	lock := d.lockFor(req.Group.Folder)
	lock.Lock()
	defer lock.Unlock()

	prompt, err := d.buildPrompt(req)
	if err != nil {
		return err
	}
	if strings.TrimSpace(prompt) == "" {
		return nil
	}

	// The composing indicator is a best-effort side channel.
	if err := d.adapter.SetTyping(ctx, req.ChatJID, true); err != nil {
		log.Printf("dispatch: set typing %s: %v", req.ChatJID, err)
	}
	defer func() {
		if err := d.adapter.SetTyping(ctx, req.ChatJID, false); err != nil {
			log.Printf("dispatch: clear typing %s: %v", req.ChatJID, err)
		}
	}()

	res := d.invoker.Invoke(ctx, req.Group, prompt, req.ChatJID)
	if !res.OK() {
		return fmt.Errorf("dispatch: invoke %s: %s", req.Group.Folder, res.Err)
	}
	if strings.TrimSpace(res.Result) == "" {
		// Agent chose not to reply; the message still counts as handled.
		return nil
	}

	reply := d.assistantName + ": " + res.Result
	if err := d.adapter.Send(ctx, chat.OutboundMessage{ChatJID: req.ChatJID, Text: reply}); err != nil {
		// No state has changed yet, so the caller can retry the whole
		// dispatch and the context window is rebuilt intact.
		return fmt.Errorf("dispatch: deliver reply to %s: %w", req.ChatJID, err)
	}

	if req.AdvanceContextTo != nil {
		if err := d.store.SetAgentTimestamp(req.ChatJID, *req.AdvanceContextTo); err != nil {
			return fmt.Errorf("dispatch: advance context watermark: %w", err)
		}
	}

	// Only the main group's exchanges are mirrored into chat history.
	if d.store.IsMain(req.Group.Folder) {
		mirror := models.ChatMessage{
			ChatJID:       req.ChatJID,
			Sender:        d.assistantName,
			Content:       res.Result,
			FromAssistant: true,
			Timestamp:     time.Now(),
		}
		if err := history.Put(d.db, mirror, ""); err != nil {
			log.Printf("dispatch: mirror exchange for %s: %v", req.ChatJID, err)
		}
	}

	return nil
}

// buildPrompt assembles the invocation prompt for the request's context
// mode. Group mode prepends the chat's missed-message window.
func (d *Dispatcher) buildPrompt(req Request) (string, error) {
	if req.ContextMode == models.ContextIsolated {
		return req.BasePrompt, nil
	}

	after := d.store.AgentTimestamp(req.ChatJID)
	window, err := history.Window(d.db, req.ChatJID, after)
	if err != nil {
		return "", fmt.Errorf("dispatch: build context window: %w", err)
	}

	formatted := FormatWindow(window)
	switch {
	case formatted == "":
		return req.BasePrompt, nil
	case req.BasePrompt == "":
		return formatted, nil
	default:
		return formatted + "\n\n" + req.BasePrompt, nil
	}
}

// lockFor returns the group's invocation lock. A group never runs two
// overlapping invocations; distinct groups proceed independently.
func (d *Dispatcher) lockFor(folder string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.groupLocks[folder]
	if !ok {
		lock = &sync.Mutex{}
		d.groupLocks[folder] = lock
	}
	return lock
}
