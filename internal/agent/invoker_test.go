package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/stationmaster/internal/models"
	"github.com/zulandar/stationmaster/internal/state"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// mockRunner records requests and returns canned results in order.
type mockRunner struct {
	requests   []Request
	workspaces []string
	results    []Result
	err        error
}

func (m *mockRunner) Run(ctx context.Context, workspace string, req Request) (Result, error) {
	m.requests = append(m.requests, req)
	m.workspaces = append(m.workspaces, workspace)
	if m.err != nil {
		return Result{}, m.err
	}
	res := m.results[0]
	if len(m.results) > 1 {
		m.results = m.results[1:]
	}
	return res, nil
}

// mockAuth returns a fixed link.
type mockAuth struct {
	link     string
	err      error
	provider string
	scopes   []string
}

func (m *mockAuth) Initiate(provider string, scopes []string) (string, error) {
	m.provider = provider
	m.scopes = scopes
	return m.link, m.err
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Task{}, &models.ChatMessage{}, &models.Chat{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func setupInvoker(t *testing.T, runner Runner, auth AuthStarter) (*Invoker, *state.Store, *gorm.DB, string) {
	t.Helper()
	db := openTestDB(t)
	store, err := state.Open(t.TempDir(), "main")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	root := t.TempDir()
	inv, err := NewInvoker(InvokerOpts{
		DB:             db,
		Store:          store,
		Runner:         runner,
		Auth:           auth,
		WorkspacesRoot: root,
	})
	if err != nil {
		t.Fatalf("new invoker: %v", err)
	}
	return inv, store, db, root
}

func TestInvokeSessionContinuity(t *testing.T) {
	runner := &mockRunner{results: []Result{
		{Status: StatusOK, Result: "first", NewSessionID: "s-1"},
		{Status: StatusOK, Result: "second"},
	}}
	inv, store, _, _ := setupInvoker(t, runner, nil)
	group := state.RegisteredGroup{JID: "C1", Folder: "ops", Name: "Ops"}
	if err := store.Register(group); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := inv.Invoke(context.Background(), group, "hello", "C1")
	if !res.OK() {
		t.Fatalf("first invoke failed: %+v", res)
	}
	if runner.requests[0].SessionID != "" {
		t.Errorf("first invocation carried a session id: %q", runner.requests[0].SessionID)
	}

	res = inv.Invoke(context.Background(), group, "again", "C1")
	if !res.OK() {
		t.Fatalf("second invoke failed: %+v", res)
	}
	if runner.requests[1].SessionID != "s-1" {
		t.Errorf("second invocation session = %q, want s-1", runner.requests[1].SessionID)
	}
	if got := store.Session("ops"); got != "s-1" {
		t.Errorf("stored session = %q, want s-1", got)
	}
}

func TestInvokeErrorResultKeepsSession(t *testing.T) {
	runner := &mockRunner{results: []Result{
		{Status: StatusOK, Result: "first", NewSessionID: "s-1"},
		{Status: StatusError, Err: "turn blew up", NewSessionID: "s-broken"},
	}}
	inv, store, _, _ := setupInvoker(t, runner, nil)
	group := state.RegisteredGroup{JID: "C1", Folder: "ops"}
	if err := store.Register(group); err != nil {
		t.Fatalf("register: %v", err)
	}

	if res := inv.Invoke(context.Background(), group, "hello", "C1"); !res.OK() {
		t.Fatalf("first invoke failed: %+v", res)
	}
	if res := inv.Invoke(context.Background(), group, "again", "C1"); res.OK() {
		t.Fatalf("second invoke reported OK: %+v", res)
	}

	// The failed turn must not become the group's conversational baseline.
	if got := store.Session("ops"); got != "s-1" {
		t.Errorf("stored session = %q, want s-1 preserved", got)
	}
}

func TestInvokeWritesSnapshots(t *testing.T) {
	runner := &mockRunner{results: []Result{{Status: StatusOK, Result: "ok"}}}
	inv, store, db, root := setupInvoker(t, runner, nil)
	group := state.RegisteredGroup{JID: "C1", Folder: "ops", Name: "Ops"}
	if err := store.Register(group); err != nil {
		t.Fatalf("register: %v", err)
	}
	next := time.Now().Add(time.Hour)
	if err := db.Create(&models.Task{
		GroupFolder: "ops", ChatJID: "C1", Prompt: "p",
		ScheduleType: models.ScheduleInterval, ScheduleValue: "60000",
		NextRun: &next, Status: models.StatusActive,
	}).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}

	res := inv.Invoke(context.Background(), group, "hello", "C1")
	if !res.OK() {
		t.Fatalf("invoke failed: %+v", res)
	}

	workspace := filepath.Join(root, "ops")
	data, err := os.ReadFile(filepath.Join(workspace, "tasks.json"))
	if err != nil {
		t.Fatalf("read tasks snapshot: %v", err)
	}
	var tasks []map[string]interface{}
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("parse tasks snapshot: %v", err)
	}
	if len(tasks) != 1 || tasks[0]["groupFolder"] != "ops" {
		t.Errorf("tasks snapshot = %v", tasks)
	}

	data, err = os.ReadFile(filepath.Join(workspace, "groups.json"))
	if err != nil {
		t.Fatalf("read groups snapshot: %v", err)
	}
	var groups []map[string]interface{}
	if err := json.Unmarshal(data, &groups); err != nil {
		t.Fatalf("parse groups snapshot: %v", err)
	}
	if len(groups) != 1 || groups[0]["jid"] != "C1" {
		t.Errorf("non-main group must see only itself: %v", groups)
	}
}

func TestInvokeSnapshotScopingForMain(t *testing.T) {
	runner := &mockRunner{results: []Result{{Status: StatusOK, Result: "ok"}}}
	inv, store, db, root := setupInvoker(t, runner, nil)
	mainGroup := state.RegisteredGroup{JID: "C0", Folder: "main"}
	other := state.RegisteredGroup{JID: "C1", Folder: "ops"}
	for _, g := range []state.RegisteredGroup{mainGroup, other} {
		if err := store.Register(g); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	next := time.Now().Add(time.Hour)
	for _, folder := range []string{"main", "ops"} {
		if err := db.Create(&models.Task{
			GroupFolder: folder, ChatJID: "C1", Prompt: "p",
			ScheduleType: models.ScheduleInterval, ScheduleValue: "60000",
			NextRun: &next, Status: models.StatusActive,
		}).Error; err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}

	res := inv.Invoke(context.Background(), mainGroup, "hello", "C0")
	if !res.OK() {
		t.Fatalf("invoke failed: %+v", res)
	}

	data, err := os.ReadFile(filepath.Join(root, "main", "tasks.json"))
	if err != nil {
		t.Fatalf("read tasks snapshot: %v", err)
	}
	var tasks []map[string]interface{}
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("parse tasks snapshot: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("main sees %d tasks, want all 2", len(tasks))
	}

	data, err = os.ReadFile(filepath.Join(root, "main", "groups.json"))
	if err != nil {
		t.Fatalf("read groups snapshot: %v", err)
	}
	var groups []map[string]interface{}
	if err := json.Unmarshal(data, &groups); err != nil {
		t.Fatalf("parse groups snapshot: %v", err)
	}
	if len(groups) != 2 {
		t.Errorf("main sees %d groups, want 2", len(groups))
	}
}

func TestInvokeConvertsAuthSentinel(t *testing.T) {
	runner := &mockRunner{results: []Result{
		{Status: StatusOK, Result: "AUTH_REQUIRED:google:calendar.readonly"},
	}}
	auth := &mockAuth{link: "https://auth.example.com/consent?state=x"}
	inv, store, _, _ := setupInvoker(t, runner, auth)
	group := state.RegisteredGroup{JID: "C1", Folder: "ops"}
	if err := store.Register(group); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := inv.Invoke(context.Background(), group, "book a meeting", "C1")
	if !res.OK() {
		t.Fatalf("invoke failed: %+v", res)
	}
	if strings.Contains(res.Result, "AUTH_REQUIRED") {
		t.Errorf("raw sentinel leaked to the user: %q", res.Result)
	}
	if !strings.Contains(res.Result, auth.link) {
		t.Errorf("authorization link missing: %q", res.Result)
	}
	if auth.provider != "google" {
		t.Errorf("provider = %q", auth.provider)
	}
}

func TestInvokeAuthSentinelWithoutFlow(t *testing.T) {
	runner := &mockRunner{results: []Result{
		{Status: StatusOK, Result: "AUTH_REQUIRED:google"},
	}}
	inv, store, _, _ := setupInvoker(t, runner, nil)
	group := state.RegisteredGroup{JID: "C1", Folder: "ops"}
	if err := store.Register(group); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := inv.Invoke(context.Background(), group, "go", "C1")
	if strings.Contains(res.Result, "AUTH_REQUIRED") {
		t.Errorf("raw sentinel leaked: %q", res.Result)
	}
	if !strings.Contains(res.Result, "google") {
		t.Errorf("provider missing from message: %q", res.Result)
	}
}

func TestInvokeRunnerError(t *testing.T) {
	runner := &mockRunner{err: fmt.Errorf("container failed to start")}
	inv, store, _, _ := setupInvoker(t, runner, nil)
	group := state.RegisteredGroup{JID: "C1", Folder: "ops"}
	if err := store.Register(group); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := inv.Invoke(context.Background(), group, "go", "C1")
	if res.OK() {
		t.Errorf("runner failure reported OK: %+v", res)
	}
	if !strings.Contains(res.Err, "container failed to start") {
		t.Errorf("Err = %q", res.Err)
	}
}
