package pipeline

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/loamdata/loam/internal/config"
)

// Scheduler fires once per minute on local-time minute boundaries and
// submits streams whose cron matches the tick. A tick never waits for a
// running stream: the orchestrator's try-lock defers the conflicting
// stream to its next matching minute.
type Scheduler struct {
	orch      *Orchestrator
	log       *zap.Logger
	schedules map[string]*CronSchedule
}

// NewScheduler parses every configured cron up front so bad expressions
// fail at startup, not at tick time.
func NewScheduler(orch *Orchestrator, cfg *config.Project, log *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{orch: orch, log: log, schedules: map[string]*CronSchedule{}}
	for name, stream := range cfg.Streams {
		if stream.Cron == "" {
			continue
		}
		sched, err := ParseCron(stream.Cron)
		if err != nil {
			return nil, err
		}
		s.schedules[name] = sched
	}
	return s, nil
}

// Run blocks until ctx is cancelled, ticking on minute boundaries.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", zap.Int("scheduled_streams", len(s.schedules)))
	for {
		next := time.Now().Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case now := <-timer.C:
			s.tick(ctx, now)
		}
	}
}

// tick submits every matching stream. Submission runs in a goroutine so
// a long stream does not block subsequent ticks.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	names := make([]string, 0, len(s.schedules))
	for name := range s.schedules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !s.schedules[name].Matches(now) {
			continue
		}
		name := name
		go func() {
			res, deferred, err := s.orch.TryRunStream(ctx, name)
			switch {
			case err != nil:
				s.log.Error("scheduled stream failed", zap.String("stream", name), zap.Error(err))
			case deferred:
				s.log.Info("scheduled stream deferred, warehouse busy", zap.String("stream", name))
			default:
				s.log.Info("scheduled stream finished",
					zap.String("stream", name), zap.String("status", res.Status))
			}
		}()
	}
}
