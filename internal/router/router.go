// Package router polls stored chat messages and routes them to agent
// invocations with at-least-once delivery semantics.
package router

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/zulandar/stationmaster/internal/dispatch"
	"github.com/zulandar/stationmaster/internal/history"
	"github.com/zulandar/stationmaster/internal/models"
	"github.com/zulandar/stationmaster/internal/state"
	"gorm.io/gorm"
)

// Dispatcher runs one end-to-end agent dispatch. Implemented by
// *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) error
}

// Router is the message-poll loop.
type Router struct {
	db         *gorm.DB
	store      *state.Store
	dispatcher Dispatcher
	out        io.Writer
}

// Opts holds parameters for creating a Router.
type Opts struct {
	DB         *gorm.DB
	Store      *state.Store
	Dispatcher Dispatcher
	Out        io.Writer // defaults to os.Stdout
}

// New creates a Router.
func New(opts Opts) (*Router, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("router: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("router: store is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("router: dispatcher is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		db:         opts.DB,
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		out:        out,
	}, nil
}

// Run polls on a fixed interval until the context is cancelled.
func (r *Router) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil {
				log.Printf("router: poll: %v", err)
			}
		}
	}
}

// Poll processes one batch: every stored message newer than the delivery
// watermark, in arrival order. The watermark advances only after a message
// is fully handled, so a failure mid-batch re-presents the failed message
// and everything after it on the next poll.
func (r *Router) Poll(ctx context.Context) error {
	ts, id := r.store.LastDelivered()
	batch, err := history.Since(r.db, r.store.RegisteredJIDs(), ts, id)
	if err != nil {
		return err
	}

	for i := range batch {
		msg := &batch[i]
		if err := r.process(ctx, msg); err != nil {
			// Stop here; the failed message and the remainder of the
			// batch are retried next poll.
			return fmt.Errorf("router: message %d in %s: %w", msg.ID, msg.ChatJID, err)
		}
		if err := r.store.AdvanceLastTimestamp(msg.Timestamp, msg.ID); err != nil {
			return fmt.Errorf("router: persist cursor: %w", err)
		}
	}
	return nil
}

// process handles one message: trigger filtering then dispatch.
func (r *Router) process(ctx context.Context, msg *models.ChatMessage) error {
	group, ok := r.store.GroupByJID(msg.ChatJID)
	if !ok {
		// Not registered; handled trivially.
		return nil
	}

	if !r.triggered(group, msg.Content) {
		return nil
	}

	fmt.Fprintf(r.out, "router: dispatch [group=%s chat=%s sender=%s]\n",
		group.Folder, msg.ChatJID, msg.Sender)

	ts := msg.Timestamp
	return r.dispatcher.Dispatch(ctx, dispatch.Request{
		Group:            group,
		ChatJID:          msg.ChatJID,
		ContextMode:      models.ContextGroup,
		AdvanceContextTo: &ts,
	})
}

// triggered applies the trigger policy: the main group accepts every
// message; other groups require the (case-insensitive) trigger pattern to
// appear in the message. A group registered without a trigger accepts
// everything.
func (r *Router) triggered(group state.RegisteredGroup, content string) bool {
	if r.store.IsMain(group.Folder) {
		return true
	}
	if group.Trigger == "" {
		return true
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(group.Trigger))
}
