package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/stationmaster/internal/agent"
	"github.com/zulandar/stationmaster/internal/chat"
	"github.com/zulandar/stationmaster/internal/history"
	"github.com/zulandar/stationmaster/internal/models"
	"github.com/zulandar/stationmaster/internal/state"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var errTransport = errors.New("transport down")

// mockInvoker records prompts and returns a canned result per call.
type mockInvoker struct {
	mu      sync.Mutex
	prompts []string
	groups  []string
	result  agent.Result
}

func (m *mockInvoker) Invoke(ctx context.Context, group state.RegisteredGroup, prompt, chatJID string) agent.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	m.groups = append(m.groups, group.Folder)
	return m.result
}

func (m *mockInvoker) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.ChatMessage{}, &models.Chat{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func setupDispatcher(t *testing.T, result agent.Result) (*Dispatcher, *mockInvoker, *chat.MockAdapter, *state.Store, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	store, err := state.Open(t.TempDir(), "main")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	invoker := &mockInvoker{result: result}
	adapter := chat.NewMockAdapter()
	adapter.Connect(context.Background())

	d, err := New(Opts{
		DB:            db,
		Store:         store,
		Invoker:       invoker,
		Adapter:       adapter,
		AssistantName: "Andy",
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, invoker, adapter, store, db
}

func TestDispatchIsolatedUsesBasePromptOnly(t *testing.T) {
	d, invoker, adapter, _, _ := setupDispatcher(t, agent.Result{Status: agent.StatusOK, Result: "done"})

	err := d.Dispatch(context.Background(), Request{
		Group:       state.RegisteredGroup{JID: "C1", Folder: "ops"},
		ChatJID:     "C1",
		BasePrompt:  "check the backups",
		ContextMode: models.ContextIsolated,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if got := invoker.lastPrompt(); got != "check the backups" {
		t.Errorf("prompt = %q, want the bare base prompt", got)
	}
	sent, ok := adapter.LastSent()
	if !ok {
		t.Fatal("no reply delivered")
	}
	if sent.Text != "Andy: done" {
		t.Errorf("reply = %q, want assistant-prefixed result", sent.Text)
	}
}

func TestDispatchGroupModePrependsWindow(t *testing.T) {
	d, invoker, _, _, db := setupDispatcher(t, agent.Result{Status: agent.StatusOK, Result: "ok"})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := history.Put(db, models.ChatMessage{ChatJID: "C1", Sender: "alice", Content: "are we on?", Timestamp: base}, ""); err != nil {
		t.Fatalf("put: %v", err)
	}

	err := d.Dispatch(context.Background(), Request{
		Group:       state.RegisteredGroup{JID: "C1", Folder: "ops"},
		ChatJID:     "C1",
		BasePrompt:  "summarize",
		ContextMode: models.ContextGroup,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	prompt := invoker.lastPrompt()
	if !strings.Contains(prompt, "<messages>") || !strings.Contains(prompt, "are we on?") {
		t.Errorf("prompt missing context window: %q", prompt)
	}
	if !strings.HasSuffix(prompt, "summarize") {
		t.Errorf("base prompt must follow the window: %q", prompt)
	}
}

func TestDispatchAdvancesContextWatermark(t *testing.T) {
	d, _, _, store, db := setupDispatcher(t, agent.Result{Status: agent.StatusOK, Result: "ok"})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := history.Put(db, models.ChatMessage{ChatJID: "C1", Content: "hello", Timestamp: base}, ""); err != nil {
		t.Fatalf("put: %v", err)
	}

	err := d.Dispatch(context.Background(), Request{
		Group:            state.RegisteredGroup{JID: "C1", Folder: "ops"},
		ChatJID:          "C1",
		ContextMode:      models.ContextGroup,
		AdvanceContextTo: &base,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if got := store.AgentTimestamp("C1"); !got.Equal(base) {
		t.Errorf("AgentTimestamp = %v, want %v", got, base)
	}
}

func TestDispatchSendFailureLeavesWatermarkForRetry(t *testing.T) {
	d, invoker, adapter, store, db := setupDispatcher(t, agent.Result{Status: agent.StatusOK, Result: "ok"})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := history.Put(db, models.ChatMessage{ChatJID: "C1", Sender: "alice", Content: "are we on?", Timestamp: base}, ""); err != nil {
		t.Fatalf("put: %v", err)
	}

	req := Request{
		Group:            state.RegisteredGroup{JID: "C1", Folder: "ops"},
		ChatJID:          "C1",
		ContextMode:      models.ContextGroup,
		AdvanceContextTo: &base,
	}

	adapter.FailSends(errTransport)
	if err := d.Dispatch(context.Background(), req); err == nil {
		t.Fatal("expected dispatch error on send failure")
	}
	// The context watermark must not have moved, or the retry would see
	// an empty window and drop the message without a reply.
	if got := store.AgentTimestamp("C1"); !got.IsZero() {
		t.Fatalf("AgentTimestamp = %v after failed send, want zero", got)
	}

	adapter.FailSends(nil)
	if err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("retry dispatch: %v", err)
	}
	if !strings.Contains(invoker.lastPrompt(), "are we on?") {
		t.Errorf("retry prompt lost the window: %q", invoker.lastPrompt())
	}
	if adapter.SentCount() != 1 {
		t.Errorf("sent %d replies, want 1", adapter.SentCount())
	}
	if got := store.AgentTimestamp("C1"); !got.Equal(base) {
		t.Errorf("AgentTimestamp = %v after retry, want %v", got, base)
	}
}

func TestDispatchEmptyResultCountsAsHandled(t *testing.T) {
	d, _, adapter, _, _ := setupDispatcher(t, agent.Result{Status: agent.StatusOK, Result: "  "})

	err := d.Dispatch(context.Background(), Request{
		Group:       state.RegisteredGroup{JID: "C1", Folder: "ops"},
		ChatJID:     "C1",
		BasePrompt:  "run",
		ContextMode: models.ContextIsolated,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if adapter.SentCount() != 0 {
		t.Errorf("empty result must not produce a reply, sent %d", adapter.SentCount())
	}
}

func TestDispatchErrorResultFails(t *testing.T) {
	d, _, adapter, _, _ := setupDispatcher(t, agent.Result{Status: agent.StatusError, Err: "boom"})

	err := d.Dispatch(context.Background(), Request{
		Group:       state.RegisteredGroup{JID: "C1", Folder: "ops"},
		ChatJID:     "C1",
		BasePrompt:  "run",
		ContextMode: models.ContextIsolated,
	})
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if adapter.SentCount() != 0 {
		t.Error("failed invocation must not deliver a reply")
	}
}

func TestDispatchMirrorsMainExchangesOnly(t *testing.T) {
	d, _, _, store, db := setupDispatcher(t, agent.Result{Status: agent.StatusOK, Result: "noted"})

	// Non-main group: nothing mirrored.
	err := d.Dispatch(context.Background(), Request{
		Group:       state.RegisteredGroup{JID: "C1", Folder: "ops"},
		ChatJID:     "C1",
		BasePrompt:  "hi",
		ContextMode: models.ContextIsolated,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var count int64
	db.Model(&models.ChatMessage{}).Where("from_assistant = ?", true).Count(&count)
	if count != 0 {
		t.Fatalf("non-main exchange mirrored, %d assistant messages", count)
	}

	// Main group: the reply lands in history flagged as assistant output.
	if err := store.Register(state.RegisteredGroup{JID: "C2", Folder: "main"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err = d.Dispatch(context.Background(), Request{
		Group:       state.RegisteredGroup{JID: "C2", Folder: "main"},
		ChatJID:     "C2",
		BasePrompt:  "hi",
		ContextMode: models.ContextIsolated,
	})
	if err != nil {
		t.Fatalf("dispatch main: %v", err)
	}
	db.Model(&models.ChatMessage{}).Where("from_assistant = ?", true).Count(&count)
	if count != 1 {
		t.Errorf("main exchange not mirrored, %d assistant messages", count)
	}
}

func TestDispatchTogglesTyping(t *testing.T) {
	d, _, adapter, _, _ := setupDispatcher(t, agent.Result{Status: agent.StatusOK, Result: "ok"})

	err := d.Dispatch(context.Background(), Request{
		Group:       state.RegisteredGroup{JID: "C1", Folder: "ops"},
		ChatJID:     "C1",
		BasePrompt:  "hi",
		ContextMode: models.ContextIsolated,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	events := adapter.TypingEvents()
	if len(events) != 2 || !events[0].Typing || events[1].Typing {
		t.Errorf("typing events = %+v, want on then off", events)
	}
}
