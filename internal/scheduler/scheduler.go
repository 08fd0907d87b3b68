// Package scheduler runs periodic maintenance jobs on cron expressions.
package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// DefaultSnapshotSpec is how often bot records are snapshotted to persistence.
const DefaultSnapshotSpec = "@every 1m"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) plus @every descriptors, with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// BotLister lists the active bots.
type BotLister interface {
	List() []models.BotInstance
}

// BotSaver queues a bot record for persistence.
type BotSaver interface {
	SaveBot(bot models.BotInstance)
}

// SnapshotBots returns a job that saves every bot, stats included.
func SnapshotBots(bots BotLister, saver BotSaver) func() {
	return func() {
		list := bots.List()
		for _, bot := range list {
			saver.SaveBot(bot)
		}
		slog.Debug("Scheduler.SnapshotBots: queued bot snapshots", "count", len(list))
	}
}
