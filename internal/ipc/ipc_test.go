package ipc

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zulandar/stationmaster/internal/chat"
	"github.com/zulandar/stationmaster/internal/models"
	"github.com/zulandar/stationmaster/internal/state"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Task{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

type testHarness struct {
	proc    *Processor
	adapter *chat.MockAdapter
	store   *state.Store
	db      *gorm.DB
	root    string
	refresh *int
}

func setupProcessor(t *testing.T) *testHarness {
	t.Helper()
	db := openTestDB(t)
	store, err := state.Open(t.TempDir(), "main")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for _, g := range []state.RegisteredGroup{
		{JID: "C-main", Folder: "main"},
		{JID: "C-a", Folder: "groupA", Name: "Group A"},
		{JID: "C-b", Folder: "groupB", Name: "Group B"},
	} {
		if err := store.Register(g); err != nil {
			t.Fatalf("register %s: %v", g.Folder, err)
		}
	}

	adapter := chat.NewMockAdapter()
	adapter.Connect(context.Background())

	root := t.TempDir()
	refreshCount := 0
	var out bytes.Buffer
	proc, err := New(Opts{
		DB:      db,
		Store:   store,
		Adapter: adapter,
		Root:    root,
		Refresh: func(ctx context.Context) error { refreshCount++; return nil },
		Out:     &out,
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return &testHarness{proc: proc, adapter: adapter, store: store, db: db, root: root, refresh: &refreshCount}
}

// dropRequest writes a request file into a group's mailbox subdirectory.
func (h *testHarness) dropRequest(t *testing.T, folder, kind, name, body string) string {
	t.Helper()
	dir := filepath.Join(h.root, folder, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func (h *testHarness) quarantinePath(folder, name string) string {
	return filepath.Join(h.root, "errors", folder+"-"+name)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestMessageFromOwningGroup(t *testing.T) {
	h := setupProcessor(t)
	path := h.dropRequest(t, "groupA", "messages", "m1.json",
		`{"type":"message","chatJid":"C-a","text":"hello from A"}`)

	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	sent, ok := h.adapter.LastSent()
	if !ok {
		t.Fatal("no message delivered")
	}
	if sent.ChatJID != "C-a" || sent.Text != "hello from A" {
		t.Errorf("sent = %+v", sent)
	}
	if exists(path) {
		t.Error("processed file not removed")
	}
}

func TestMessageToForeignChatQuarantined(t *testing.T) {
	h := setupProcessor(t)
	path := h.dropRequest(t, "groupA", "messages", "m1.json",
		`{"type":"message","chatJid":"C-b","text":"A talking into B"}`)

	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if h.adapter.SentCount() != 0 {
		t.Error("cross-group message delivered")
	}
	if exists(path) {
		t.Error("rejected file left in place")
	}
	if !exists(h.quarantinePath("groupA", "m1.json")) {
		t.Error("rejected file not quarantined")
	}
}

func TestMainMessagesAnyChat(t *testing.T) {
	h := setupProcessor(t)
	h.dropRequest(t, "main", "messages", "m1.json",
		`{"type":"message","chatJid":"C-b","text":"announcement"}`)

	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	sent, ok := h.adapter.LastSent()
	if !ok || sent.ChatJID != "C-b" {
		t.Errorf("sent = %+v, %v", sent, ok)
	}
}

func TestQuarantinedFileNeverReprocessed(t *testing.T) {
	h := setupProcessor(t)
	h.dropRequest(t, "groupA", "messages", "bad.json", `{not json`)

	for i := 0; i < 3; i++ {
		if err := h.proc.Scan(context.Background()); err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
	}

	if h.adapter.SentCount() != 0 {
		t.Error("malformed request delivered something")
	}
	if !exists(h.quarantinePath("groupA", "bad.json")) {
		t.Error("malformed file not quarantined")
	}
	// The errors directory itself is never scanned as a group.
	entries, err := os.ReadDir(filepath.Join(h.root, "errors"))
	if err != nil {
		t.Fatalf("read errors dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("errors dir has %d entries, want 1", len(entries))
	}
}

func TestScheduleTaskResolvesChatFromRegistry(t *testing.T) {
	h := setupProcessor(t)
	// The payload claims a foreign chat jid; the directory identity wins.
	h.dropRequest(t, "groupA", "tasks", "t1.json",
		`{"type":"schedule_task","prompt":"daily summary","schedule_type":"interval","schedule_value":"60000","chatJid":"C-b"}`)

	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	var task models.Task
	if err := h.db.First(&task).Error; err != nil {
		t.Fatalf("task not created: %v", err)
	}
	if task.GroupFolder != "groupA" {
		t.Errorf("GroupFolder = %q, want groupA", task.GroupFolder)
	}
	if task.ChatJID != "C-a" {
		t.Errorf("ChatJID = %q, want C-a (registry identity, not payload)", task.ChatJID)
	}
	if task.Status != models.StatusActive || task.NextRun == nil {
		t.Errorf("task = %+v", task)
	}
	if task.ContextMode != models.ContextIsolated {
		t.Errorf("ContextMode = %q, want isolated default", task.ContextMode)
	}
}

func TestScheduleTaskForForeignFolderRejected(t *testing.T) {
	h := setupProcessor(t)
	h.dropRequest(t, "groupA", "tasks", "t1.json",
		`{"type":"schedule_task","prompt":"spy","schedule_type":"interval","schedule_value":"60000","group_folder":"groupB"}`)

	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	var count int64
	h.db.Model(&models.Task{}).Count(&count)
	if count != 0 {
		t.Error("foreign-folder task created")
	}
	if !exists(h.quarantinePath("groupA", "t1.json")) {
		t.Error("rejected request not quarantined")
	}
}

func TestMainSchedulesForAnyFolder(t *testing.T) {
	h := setupProcessor(t)
	h.dropRequest(t, "main", "tasks", "t1.json",
		`{"type":"schedule_task","prompt":"audit","schedule_type":"cron","schedule_value":"0 9 * * *","group_folder":"groupB"}`)

	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	var task models.Task
	if err := h.db.First(&task).Error; err != nil {
		t.Fatalf("task not created: %v", err)
	}
	if task.GroupFolder != "groupB" || task.ChatJID != "C-b" {
		t.Errorf("task = %+v", task)
	}
}

func TestScheduleTaskInvalidCronRejected(t *testing.T) {
	h := setupProcessor(t)
	h.dropRequest(t, "groupA", "tasks", "t1.json",
		`{"type":"schedule_task","prompt":"x","schedule_type":"cron","schedule_value":"not a cron"}`)

	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	var count int64
	h.db.Model(&models.Task{}).Count(&count)
	if count != 0 {
		t.Error("task with invalid cron created")
	}
	if !exists(h.quarantinePath("groupA", "t1.json")) {
		t.Error("invalid request not quarantined")
	}
}

func TestPauseResumeCancelOwnership(t *testing.T) {
	h := setupProcessor(t)
	next := time.Now().Add(time.Hour)
	task := models.Task{
		GroupFolder: "groupA", ChatJID: "C-a", Prompt: "p",
		ScheduleType: models.ScheduleInterval, ScheduleValue: "60000",
		NextRun: &next, Status: models.StatusActive,
	}
	if err := h.db.Create(&task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}

	// Another group may not pause it.
	h.dropRequest(t, "groupB", "tasks", "p1.json",
		`{"type":"pause_task","task_id":1}`)
	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	var got models.Task
	h.db.First(&got, task.ID)
	if got.Status != models.StatusActive {
		t.Fatalf("foreign group paused the task")
	}
	if !exists(h.quarantinePath("groupB", "p1.json")) {
		t.Error("foreign pause not quarantined")
	}

	// The owner pauses, main resumes, the owner cancels.
	h.dropRequest(t, "groupA", "tasks", "p2.json",
		`{"type":"pause_task","task_id":1}`)
	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	h.db.First(&got, task.ID)
	if got.Status != models.StatusPaused {
		t.Fatalf("Status = %q, want paused", got.Status)
	}

	h.dropRequest(t, "main", "tasks", "r1.json",
		`{"type":"resume_task","task_id":1}`)
	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	h.db.First(&got, task.ID)
	if got.Status != models.StatusActive {
		t.Fatalf("Status = %q, want active", got.Status)
	}

	h.dropRequest(t, "groupA", "tasks", "c1.json",
		`{"type":"cancel_task","task_id":1}`)
	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	var count int64
	h.db.Model(&models.Task{}).Count(&count)
	if count != 0 {
		t.Error("task not deleted")
	}
}

func TestRegisterGroupMainOnly(t *testing.T) {
	h := setupProcessor(t)

	h.dropRequest(t, "groupA", "tasks", "reg.json",
		`{"type":"register_group","jid":"C-new","folder":"newgroup"}`)
	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, ok := h.store.GroupByJID("C-new"); ok {
		t.Error("non-main group registered a group")
	}

	h.dropRequest(t, "main", "tasks", "reg.json",
		`{"type":"register_group","jid":"C-new","folder":"newgroup","trigger":"@andy"}`)
	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	g, ok := h.store.GroupByJID("C-new")
	if !ok || g.Folder != "newgroup" || g.Trigger != "@andy" {
		t.Errorf("group = %+v, %v", g, ok)
	}
}

func TestRefreshGroupsMainOnly(t *testing.T) {
	h := setupProcessor(t)

	h.dropRequest(t, "groupA", "tasks", "ref.json", `{"type":"refresh_groups"}`)
	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if *h.refresh != 0 {
		t.Error("non-main group triggered a refresh")
	}

	h.dropRequest(t, "main", "tasks", "ref.json", `{"type":"refresh_groups"}`)
	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if *h.refresh != 1 {
		t.Errorf("refresh count = %d, want 1", *h.refresh)
	}
}

func TestScanProcessesFilesInNameOrder(t *testing.T) {
	h := setupProcessor(t)
	h.dropRequest(t, "main", "messages", "002.json",
		`{"type":"message","chatJid":"C-a","text":"second"}`)
	h.dropRequest(t, "main", "messages", "001.json",
		`{"type":"message","chatJid":"C-a","text":"first"}`)
	h.dropRequest(t, "main", "messages", "notes.txt", "ignored")

	if err := h.proc.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	sent := h.adapter.AllSent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if sent[0].Text != "first" || sent[1].Text != "second" {
		t.Errorf("order = %q, %q", sent[0].Text, sent[1].Text)
	}
}
