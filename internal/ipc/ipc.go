// Package ipc processes the filesystem mailbox through which sandboxed
// agents talk back to the orchestrator. The requester's identity is the
// per-group subdirectory a file was found in, never a field inside the
// file, and the main group folder is the only trusted principal.
package ipc

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zulandar/stationmaster/internal/chat"
	"github.com/zulandar/stationmaster/internal/state"
	"gorm.io/gorm"
)

const (
	messagesDir = "messages"
	tasksDir    = "tasks"
	errorsDir   = "errors"
)

// Processor scans the mailbox and applies authorized requests.
type Processor struct {
	db      *gorm.DB
	store   *state.Store
	adapter chat.Adapter
	root    string
	loc     *time.Location
	refresh func(ctx context.Context) error
	out     io.Writer
}

// Opts holds parameters for creating a Processor.
type Opts struct {
	DB       *gorm.DB
	Store    *state.Store
	Adapter  chat.Adapter
	Root     string                          // mailbox root directory
	Location *time.Location                  // defaults to UTC
	Refresh  func(ctx context.Context) error // optional refresh_groups hook
	Out      io.Writer                       // defaults to os.Stdout
}

// New creates a Processor.
func New(opts Opts) (*Processor, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ipc: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("ipc: store is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("ipc: adapter is required")
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("ipc: mailbox root is required")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Processor{
		db:      opts.DB,
		store:   opts.Store,
		adapter: opts.Adapter,
		root:    opts.Root,
		loc:     loc,
		refresh: opts.Refresh,
		out:     out,
	}, nil
}

// Run scans on a fixed interval until the context is cancelled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Scan(ctx); err != nil {
				log.Printf("ipc: scan: %v", err)
			}
		}
	}
}

// Scan walks every group subdirectory and processes pending request
// files. Each file is deleted on success or quarantined on failure; a
// quarantined file is never picked up again.
func (p *Processor) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(p.root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ipc: read mailbox root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == errorsDir {
			continue
		}
		requester := entry.Name()
		p.scanKind(ctx, requester, messagesDir, p.handleMessageFile)
		p.scanKind(ctx, requester, tasksDir, p.handleTaskFile)
	}
	return nil
}

// scanKind processes one request kind for one group, in file-name order.
func (p *Processor) scanKind(ctx context.Context, requester, kind string, handle func(ctx context.Context, requester string, data []byte) error) {
	dir := filepath.Join(p.root, requester, kind)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		log.Printf("ipc: read %s: %v", dir, err)
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("ipc: read %s: %v", path, err)
			continue
		}

		if err := handle(ctx, requester, data); err != nil {
			log.Printf("ipc: %s/%s/%s rejected: %v", requester, kind, name, err)
			p.quarantine(path, requester, name)
			continue
		}

		if err := os.Remove(path); err != nil {
			log.Printf("ipc: remove %s: %v", path, err)
		}
	}
}

// quarantine moves a failing request file to the error directory, tagged
// with its source group. Quarantined files are never reprocessed.
func (p *Processor) quarantine(path, requester, name string) {
	dst := filepath.Join(p.root, errorsDir, requester+"-"+name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		log.Printf("ipc: create quarantine dir: %v", err)
		return
	}
	if err := os.Rename(path, dst); err != nil {
		log.Printf("ipc: quarantine %s: %v", path, err)
	}
}
