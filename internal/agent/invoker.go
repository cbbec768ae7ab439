// Package agent prepares isolated group workspaces, invokes the
// containerized agent process, and interprets its structured output.
package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/zulandar/stationmaster/internal/state"
	"gorm.io/gorm"
)

// AuthStarter begins an authorization flow for a provider and returns the
// link a human must visit.
type AuthStarter interface {
	Initiate(provider string, scopes []string) (string, error)
}

// Invoker runs agent invocations for registered groups.
type Invoker struct {
	db             *gorm.DB
	store          *state.Store
	runner         Runner
	auth           AuthStarter
	workspacesRoot string
}

// InvokerOpts holds parameters for creating an Invoker.
type InvokerOpts struct {
	DB             *gorm.DB
	Store          *state.Store
	Runner         Runner
	Auth           AuthStarter // optional; AUTH_REQUIRED becomes an error message without it
	WorkspacesRoot string
}

// NewInvoker creates an Invoker.
func NewInvoker(opts InvokerOpts) (*Invoker, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("agent: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("agent: store is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("agent: runner is required")
	}
	if opts.WorkspacesRoot == "" {
		return nil, fmt.Errorf("agent: workspaces root is required")
	}
	return &Invoker{
		db:             opts.DB,
		store:          opts.Store,
		runner:         opts.Runner,
		auth:           opts.Auth,
		workspacesRoot: opts.WorkspacesRoot,
	}, nil
}

// Invoke runs the agent for a group. It publishes the state snapshots into
// the group workspace, executes the runner with the group's current
// session id, stores the new session id on success, and converts the
// AUTH_REQUIRED sentinel into a human-readable authorization message.
func (inv *Invoker) Invoke(ctx context.Context, group state.RegisteredGroup, prompt, chatJID string) Result {
	workspace := filepath.Join(inv.workspacesRoot, group.Folder)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return errorResult(fmt.Sprintf("create workspace: %v", err))
	}

	if err := writeSnapshots(inv.db, inv.store, group, workspace); err != nil {
		return errorResult(err.Error())
	}

	req := Request{
		Prompt:    prompt,
		SessionID: inv.store.Session(group.Folder),
		ChatJID:   chatJID,
		GroupName: group.Name,
	}

	res, err := inv.runner.Run(ctx, workspace, req)
	if err != nil {
		log.Printf("agent: invoke %s: %v", group.Folder, err)
		return errorResult(err.Error())
	}

	if res.OK() {
		// An error result keeps the previous session so a failed turn
		// never becomes the group's conversational baseline.
		if res.NewSessionID != "" {
			if err := inv.store.SetSession(group.Folder, res.NewSessionID); err != nil {
				log.Printf("agent: persist session for %s: %v", group.Folder, err)
			}
		}
		if provider, scopes, ok := parseAuthSentinel(res.Result); ok {
			res.Result = inv.authMessage(provider, scopes)
		}
	}

	return res
}

// authMessage converts an authorization requirement into the message shown
// to the user. The raw sentinel is never returned verbatim.
func (inv *Invoker) authMessage(provider string, scopes []string) string {
	if inv.auth == nil {
		return fmt.Sprintf("I need access to %s, but no authorization flow is configured. Ask your administrator to set one up.", provider)
	}
	link, err := inv.auth.Initiate(provider, scopes)
	if err != nil {
		log.Printf("agent: initiate auth for %s: %v", provider, err)
		return fmt.Sprintf("I need access to %s, but starting the authorization flow failed. Please try again later.", provider)
	}
	return fmt.Sprintf("I need access to %s to do that. Authorize it here, then ask me again: %s", provider, link)
}

func errorResult(msg string) Result {
	return Result{Status: StatusError, Err: msg}
}
