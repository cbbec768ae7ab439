// Package state owns Stationmaster's durable JSON documents: the group
// registry, the session map, and the delivery cursor. Each document is
// rewritten wholesale after every mutation; the container agents never
// touch these files directly.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	groupsFile   = "groups.json"
	sessionsFile = "sessions.json"
	cursorFile   = "cursor.json"
)

// RegisteredGroup is one conversation scope with its own sandboxed agent
// workspace. Folder is unique across groups and doubles as the IPC
// security principal.
type RegisteredGroup struct {
	JID             string                 `json:"jid"`
	Name            string                 `json:"name"`
	Folder          string                 `json:"folder"`
	Trigger         string                 `json:"trigger"`
	AddedAt         time.Time              `json:"addedAt"`
	ContainerConfig map[string]interface{} `json:"containerConfig,omitempty"`
}

// Cursor is the delivery watermark. LastTimestamp is the point below which
// inbound messages are considered processed, with LastID breaking ties
// between messages sharing that timestamp; LastAgentTimestamp marks, per
// chat, how far the agent has seen conversational context.
type Cursor struct {
	LastTimestamp      time.Time            `json:"last_timestamp"`
	LastID             uint                 `json:"last_id"`
	LastAgentTimestamp map[string]time.Time `json:"last_agent_timestamp"`
}

// Store loads and persists the JSON state documents and serves as the
// in-memory registry shared by the orchestrator loops.
type Store struct {
	dir        string
	mainFolder string

	mu       sync.Mutex
	groups   map[string]RegisteredGroup // key: jid
	sessions map[string]string          // key: folder
	cursor   Cursor
}

// Open loads (or initializes) the state documents under dir. Missing files
// start empty; unreadable files are a startup failure.
func Open(dir, mainFolder string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("state: dir is required")
	}
	if mainFolder == "" {
		return nil, fmt.Errorf("state: main folder is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create %s: %w", dir, err)
	}

	s := &Store{
		dir:        dir,
		mainFolder: mainFolder,
		groups:     make(map[string]RegisteredGroup),
		sessions:   make(map[string]string),
		cursor:     Cursor{LastAgentTimestamp: make(map[string]time.Time)},
	}

	if err := loadJSON(filepath.Join(dir, groupsFile), &s.groups); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, sessionsFile), &s.sessions); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, cursorFile), &s.cursor); err != nil {
		return nil, err
	}
	if s.cursor.LastAgentTimestamp == nil {
		s.cursor.LastAgentTimestamp = make(map[string]time.Time)
	}
	return s, nil
}

// MainFolder returns the distinguished trusted group folder name.
func (s *Store) MainFolder() string {
	return s.mainFolder
}

// loadJSON reads a JSON document into v. A missing file leaves v untouched.
func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("state: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("state: parse %s: %w", path, err)
	}
	return nil
}

// saveJSON writes v to path via a temp file rename so a crash mid-write
// never leaves a truncated document.
func saveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("state: rename %s: %w", tmp, err)
	}
	return nil
}

func (s *Store) persistGroups() error {
	return saveJSON(filepath.Join(s.dir, groupsFile), s.groups)
}

func (s *Store) persistSessions() error {
	return saveJSON(filepath.Join(s.dir, sessionsFile), s.sessions)
}

func (s *Store) persistCursor() error {
	return saveJSON(filepath.Join(s.dir, cursorFile), s.cursor)
}
