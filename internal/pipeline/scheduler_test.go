package pipeline

import (
	"testing"

	"go.uber.org/zap"

	"github.com/loamdata/loam/internal/config"
)

func TestNewSchedulerRejectsBadCron(t *testing.T) {
	cfg := &config.Project{Streams: map[string]config.Stream{
		"hourly": {Name: "hourly", Cron: "not a cron"},
	}}
	if _, err := NewScheduler(nil, cfg, zap.NewNop()); err == nil {
		t.Fatal("want error for unparseable cron")
	}
}

func TestNewSchedulerIgnoresUnscheduledStreams(t *testing.T) {
	cfg := &config.Project{Streams: map[string]config.Stream{
		"manual": {Name: "manual"},
		"daily":  {Name: "daily", Cron: "0 6 * * *"},
	}}
	s, err := NewScheduler(nil, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if len(s.schedules) != 1 {
		t.Errorf("schedules = %d, want 1", len(s.schedules))
	}
	if _, ok := s.schedules["daily"]; !ok {
		t.Error("daily stream not scheduled")
	}
}
