package archive

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/yokitheyo/ytscribe/internal/model"
)

const (
	DefaultRetention = 24 * time.Hour
	DefaultInterval  = time.Hour
)

// Registry is the part of the task registry the sweeper reads and prunes.
type Registry interface {
	ListAll() []model.Task
	Delete(taskID string)
}

type Config struct {
	StorageDir    string
	Retention     time.Duration
	Interval      time.Duration
	// DeleteRunning also expires tasks whose worker has not finished.
	DeleteRunning bool
}

type SweepResult struct {
	Expired int
	Removed int
	Skipped int
	Failed  int
	Orphans int
}

// Sweeper periodically drops expired tasks together with their storage.
type Sweeper struct {
	reg Registry
	cfg Config
	log *zap.Logger

	now       func() time.Time
	removeAll func(string) error
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithRemoveAll(fn func(string) error) Option {
	return func(s *Sweeper) { s.removeAll = fn }
}

func NewSweeper(reg Registry, cfg Config, log *zap.Logger, opts ...Option) *Sweeper {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sweeper{
		reg:       reg,
		cfg:       cfg,
		log:       log.Named("cleanup"),
		now:       time.Now,
		removeAll: os.RemoveAll,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps immediately and then once per interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("cleanup scheduler started",
		zap.Duration("retention", s.cfg.Retention),
		zap.Duration("interval", s.cfg.Interval))

	s.SweepOnce()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single cleanup cycle. Failures are logged per task and the
// task stays registered so the next cycle retries it.
func (s *Sweeper) SweepOnce() SweepResult {
	now := s.now()
	var res SweepResult
	known := make(map[string]bool)

	for _, task := range s.reg.ListAll() {
		known[task.ID] = true
		if task.Age(now) <= s.cfg.Retention {
			continue
		}
		res.Expired++

		if !task.Completed && !s.cfg.DeleteRunning {
			res.Skipped++
			s.log.Warn("expired task still running, keeping it",
				zap.String("task_id", task.ID),
				zap.Duration("age", task.Age(now)),
				zap.Int("progress", task.Progress))
			continue
		}

		dir := filepath.Join(s.cfg.StorageDir, task.ID)
		if err := s.removeAll(dir); err != nil {
			res.Failed++
			s.log.Error("failed to remove task storage", zap.String("task_id", task.ID), zap.String("dir", dir), zap.Error(err))
			continue
		}
		s.reg.Delete(task.ID)
		res.Removed++
	}

	res.Orphans = s.cleanOrphans(known, now)

	if res.Expired > 0 || res.Orphans > 0 {
		s.log.Info("cleanup cycle finished",
			zap.Int("expired", res.Expired),
			zap.Int("removed", res.Removed),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
			zap.Int("orphans", res.Orphans))
	}
	return res
}

// cleanOrphans removes storage entries that belong to no registered task and
// are older than the retention window, e.g. leftovers of a previous process.
func (s *Sweeper) cleanOrphans(known map[string]bool, now time.Time) int {
	entries, err := filepath.Glob(filepath.Join(s.cfg.StorageDir, "*"))
	if err != nil {
		s.log.Error("storage scan failed", zap.Error(err))
		return 0
	}

	cutoff := now.Add(-s.cfg.Retention)
	cleaned := 0
	for _, path := range entries {
		if known[filepath.Base(path)] {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := s.removeAll(path); err != nil {
			s.log.Warn("failed to remove orphaned storage", zap.String("path", path), zap.Error(err))
			continue
		}
		cleaned++
	}
	return cleaned
}
