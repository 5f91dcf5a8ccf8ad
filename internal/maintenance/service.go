// Package maintenance runs scheduled background upkeep over the memory
// store, currently the summary-embedding backfill pass.
package maintenance

import (
	"context"
	"log"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Task is one named upkeep job. Tasks must be idempotent: a run that
// overlaps a crash or a manual invocation must leave valid state.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Service schedules tasks with six-field cron expressions.
type Service struct {
	cron  *rcron.Cron
	tasks []Task
}

func NewService(tasks []Task) *Service {
	return &Service{tasks: tasks}
}

func (s *Service) Start(ctx context.Context) error {
	s.cron = rcron.New(rcron.WithSeconds())

	for _, task := range s.tasks {
		task := task
		_, err := s.cron.AddFunc(task.Schedule, func() {
			s.runTask(ctx, task)
		})
		if err != nil {
			return err
		}
	}

	s.cron.Start()
	log.Printf("[maintenance] started with %d tasks", len(s.tasks))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) runTask(ctx context.Context, task Task) {
	log.Printf("[maintenance] running %s", task.Name)
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		log.Printf("[maintenance] %s failed: %v", task.Name, err)
		return
	}
	log.Printf("[maintenance] %s done in %s", task.Name, time.Since(start).Round(time.Millisecond))
}

func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[maintenance] stop timeout waiting for running tasks")
	}
	log.Printf("[maintenance] stopped")
}
