// Package scheduler executes persisted tasks on cron, interval, and
// one-shot schedules through the shared dispatch path.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/stationmaster/internal/dispatch"
	"github.com/zulandar/stationmaster/internal/models"
	"github.com/zulandar/stationmaster/internal/state"
	"gorm.io/gorm"
)

// Dispatcher runs one end-to-end agent dispatch. Implemented by
// *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) error
}

// Scheduler is the task tick loop.
type Scheduler struct {
	db         *gorm.DB
	store      *state.Store
	dispatcher Dispatcher
	loc        *time.Location
	out        io.Writer
	now        func() time.Time // injectable clock for tests
}

// Opts holds parameters for creating a Scheduler.
type Opts struct {
	DB         *gorm.DB
	Store      *state.Store
	Dispatcher Dispatcher
	Location   *time.Location // defaults to UTC
	Out        io.Writer      // defaults to os.Stdout
	Now        func() time.Time
}

// New creates a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("scheduler: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("scheduler: dispatcher is required")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		db:         opts.DB,
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		loc:        loc,
		out:        out,
		now:        now,
	}, nil
}

// Run ticks on a fixed interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.Printf("scheduler: tick: %v", err)
			}
		}
	}
}

// Tick executes every active task that is due. An execution failure is
// logged and the task's next run still advances, so a failing recurring
// task retries at its next natural occurrence rather than storming.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()

	var due []models.Task
	err := s.db.Where("status = ? AND next_run IS NOT NULL AND next_run <= ?", models.StatusActive, now).
		Order("next_run ASC").Find(&due).Error
	if err != nil {
		return fmt.Errorf("scheduler: query due tasks: %w", err)
	}

	for i := range due {
		s.execute(ctx, &due[i], now)
	}
	return nil
}

// execute runs one due task and reschedules it.
func (s *Scheduler) execute(ctx context.Context, task *models.Task, now time.Time) {
	group, ok := s.store.GroupByFolder(task.GroupFolder)
	if !ok {
		// Owning group is gone; park the task instead of retrying forever.
		log.Printf("scheduler: task %d: group %q not registered, pausing", task.ID, task.GroupFolder)
		s.updateTask(task.ID, map[string]interface{}{"status": models.StatusPaused})
		return
	}

	fmt.Fprintf(s.out, "scheduler: task %d firing [group=%s type=%s]\n",
		task.ID, task.GroupFolder, task.ScheduleType)

	err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		Group:       group,
		ChatJID:     task.ChatJID,
		BasePrompt:  task.Prompt,
		ContextMode: task.ContextMode,
	})
	if err != nil {
		log.Printf("scheduler: task %d execution: %v", task.ID, err)
	}

	next, err := NextAfterRun(task.ScheduleType, task.ScheduleValue, s.now(), s.loc)
	if err != nil {
		log.Printf("scheduler: task %d reschedule: %v", task.ID, err)
		s.updateTask(task.ID, map[string]interface{}{"status": models.StatusPaused})
		return
	}

	if next == nil {
		// One-shot: terminal after firing.
		s.updateTask(task.ID, map[string]interface{}{
			"status":   models.StatusCompleted,
			"next_run": nil,
		})
		return
	}
	s.updateTask(task.ID, map[string]interface{}{"next_run": *next})
}

func (s *Scheduler) updateTask(id uint, updates map[string]interface{}) {
	if err := s.db.Model(&models.Task{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		log.Printf("scheduler: update task %d: %v", id, err)
	}
}
