// internal/scheduler/scheduler.go
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/user/interpsync/internal/state"
	"github.com/user/interpsync/internal/types"
)

// Handler is invoked when a schedule fires.
type Handler func(owner types.OwnerID, status types.StatusValue)

// Scheduler fires enabled status schedules from the store through a
// handler callback.
type Scheduler struct {
	store   *state.ScheduleStore
	handler Handler
	cron    *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether expr is a cron expression the scheduler accepts.
func Validate(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

func New(store *state.ScheduleStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every enabled schedule and starts the cron ticker.
// Invalid expressions are logged and skipped.
func (s *Scheduler) Start() error {
	schedules, err := s.store.List()
	if err != nil {
		return err
	}

	for _, sc := range schedules {
		if !sc.Enabled {
			continue
		}
		name, owner, status := sc.Name, sc.OwnerID, sc.Status
		_, err := s.cron.AddFunc(sc.Cron, func() {
			slog.Info("schedule firing", "name", name, "owner", string(owner), "status", string(status))
			s.handler(owner, status)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", name, "cron", sc.Cron, "error", err)
			continue
		}
		slog.Info("scheduled status change", "name", name, "cron", sc.Cron)
	}

	s.cron.Start()
	return nil
}

// Reload stops the existing cron, creates a new one and starts it again.
func (s *Scheduler) Reload() error {
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.Start()
}

// Stop stops the cron ticker and waits for running handlers.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
