// Package orchestrator wires the whole system together: it connects the
// chat adapter, ingests inbound messages into history, and runs the
// router, scheduler, IPC, and group-refresh loops until shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/stationmaster/internal/agent"
	"github.com/zulandar/stationmaster/internal/auth"
	"github.com/zulandar/stationmaster/internal/chat"
	"github.com/zulandar/stationmaster/internal/config"
	"github.com/zulandar/stationmaster/internal/dashboard"
	"github.com/zulandar/stationmaster/internal/dispatch"
	"github.com/zulandar/stationmaster/internal/history"
	"github.com/zulandar/stationmaster/internal/ipc"
	"github.com/zulandar/stationmaster/internal/models"
	"github.com/zulandar/stationmaster/internal/router"
	"github.com/zulandar/stationmaster/internal/scheduler"
	"github.com/zulandar/stationmaster/internal/state"
	"gorm.io/gorm"
)

// Daemon is the main Stationmaster process.
type Daemon struct {
	db      *gorm.DB
	cfg     *config.Config
	store   *state.Store
	adapter chat.Adapter
	runner  agent.Runner
	out     io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB      *gorm.DB
	Config  *config.Config
	Store   *state.Store
	Adapter chat.Adapter
	Runner  agent.Runner // optional; defaults to the configured container command
	Out     io.Writer    // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("orchestrator: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("orchestrator: adapter is required")
	}
	runner := opts.Runner
	if runner == nil {
		runner = &agent.ContainerRunner{
			Command: opts.Config.Agent.Command,
			Args:    opts.Config.Agent.Args,
			Timeout: time.Duration(opts.Config.Agent.TimeoutSec) * time.Second,
		}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		db:      opts.DB,
		cfg:     opts.Config,
		store:   opts.Store,
		adapter: opts.Adapter,
		runner:  runner,
		out:     out,
	}, nil
}

// Run starts the daemon. It connects the adapter, builds all subsystems,
// starts the poll loops, and blocks pumping inbound messages until the
// context is cancelled. On shutdown it closes the adapter gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Stationmaster connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("orchestrator: connect: %w", err)
	}

	var authFlow agent.AuthStarter
	if len(d.cfg.Auth.Providers) > 0 {
		authFlow = auth.New(d.cfg.Auth.Providers)
	}

	invoker, err := agent.NewInvoker(agent.InvokerOpts{
		DB:             d.db,
		Store:          d.store,
		Runner:         d.runner,
		Auth:           authFlow,
		WorkspacesRoot: d.cfg.WorkspacesDir(),
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("orchestrator: build invoker: %w", err)
	}

	dispatcher, err := dispatch.New(dispatch.Opts{
		DB:            d.db,
		Store:         d.store,
		Invoker:       invoker,
		Adapter:       d.adapter,
		AssistantName: d.cfg.AssistantName,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("orchestrator: build dispatcher: %w", err)
	}

	rtr, err := router.New(router.Opts{
		DB:         d.db,
		Store:      d.store,
		Dispatcher: dispatcher,
		Out:        d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("orchestrator: build router: %w", err)
	}

	sched, err := scheduler.New(scheduler.Opts{
		DB:         d.db,
		Store:      d.store,
		Dispatcher: dispatcher,
		Location:   d.cfg.Location(),
		Out:        d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("orchestrator: build scheduler: %w", err)
	}

	proc, err := ipc.New(ipc.Opts{
		DB:       d.db,
		Store:    d.store,
		Adapter:  d.adapter,
		Root:     d.cfg.MailboxDir(),
		Location: d.cfg.Location(),
		Refresh:  d.RefreshGroups,
		Out:      d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("orchestrator: build ipc processor: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("orchestrator: listen: %w", err)
	}

	go rtr.Run(ctx, time.Duration(d.cfg.Poll.MessagesSec)*time.Second)
	go sched.Run(ctx, time.Duration(d.cfg.Poll.SchedulerSec)*time.Second)
	go proc.Run(ctx, time.Duration(d.cfg.Poll.IPCSec)*time.Second)
	go d.refreshLoop(ctx, time.Duration(d.cfg.Poll.GroupRefreshSec)*time.Second)

	if d.cfg.Dashboard.Enabled {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:    d.db,
				Store: d.store,
				Port:  d.cfg.Dashboard.Port,
				Out:   d.out,
			})
			if err != nil {
				log.Printf("orchestrator: dashboard: %v", err)
			}
		}()
	}

	fmt.Fprintf(d.out, "Stationmaster online\n")

	// Main loop: persist every inbound message until the context is
	// cancelled. The router picks them up from history on its own clock.
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Stationmaster shutting down...\n")
			if err := d.adapter.Close(); err != nil {
				log.Printf("orchestrator: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Stationmaster stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Stationmaster inbound channel closed\n")
				return nil
			}
			d.ingest(msg)
		}
	}
}

// ingest stores one inbound message in history.
func (d *Daemon) ingest(msg chat.InboundMessage) {
	sender := msg.SenderName
	if sender == "" {
		sender = msg.SenderID
	}
	err := history.Put(d.db, models.ChatMessage{
		ChatJID:   msg.ChatJID,
		Sender:    sender,
		Content:   msg.Text,
		Timestamp: msg.Timestamp,
	}, msg.ChatName)
	if err != nil {
		log.Printf("orchestrator: store message from %s: %v", msg.ChatJID, err)
	}
}

// refreshLoop periodically re-resolves registered group names from the
// platform.
func (d *Daemon) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RefreshGroups(ctx); err != nil {
				log.Printf("orchestrator: refresh groups: %v", err)
			}
		}
	}
}

// RefreshGroups updates registered group names from the platform. A no-op
// when the adapter cannot resolve conversation names.
func (d *Daemon) RefreshGroups(ctx context.Context) error {
	namer, ok := d.adapter.(chat.ChatNamer)
	if !ok {
		return nil
	}
	for _, g := range d.store.Groups() {
		name, err := namer.ChatName(ctx, g.JID)
		if err != nil {
			log.Printf("orchestrator: resolve name for %s: %v", g.JID, err)
			continue
		}
		if name == "" || name == g.Name {
			continue
		}
		g.Name = name
		if err := d.store.Register(g); err != nil {
			return fmt.Errorf("orchestrator: update group %s: %w", g.JID, err)
		}
	}
	return nil
}
