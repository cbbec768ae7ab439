package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/stationmaster/internal/config"
	"github.com/zulandar/stationmaster/internal/db"
	"github.com/zulandar/stationmaster/internal/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Scheduled task commands",
	}

	cmd.AddCommand(newTaskListCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var configPath string
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskList(cmd, configPath, status)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stationmaster.yaml", "path to Stationmaster config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, paused, completed)")
	return cmd
}

func runTaskList(cmd *cobra.Command, configPath, status string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	q := gormDB.Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var tasks []models.Task
	if err := q.Find(&tasks).Error; err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGROUP\tSCHEDULE\tSTATUS\tNEXT RUN\tPROMPT")
	for _, t := range tasks {
		next := "-"
		if t.NextRun != nil {
			next = t.NextRun.In(cfg.Location()).Format("2006-01-02 15:04")
		}
		prompt := t.Prompt
		if len(prompt) > 40 {
			prompt = prompt[:37] + "..."
		}
		fmt.Fprintf(w, "%d\t%s\t%s %s\t%s\t%s\t%s\n",
			t.ID, t.GroupFolder, t.ScheduleType, t.ScheduleValue, t.Status, next, prompt)
	}
	return w.Flush()
}
