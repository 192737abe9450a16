package retention

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "audio2mp4/internal/pkg/errors"
	"audio2mp4/internal/pkg/logger"
)

// WorkDirPrefix starts the name of every job working directory.
const WorkDirPrefix = "audio2mp4-"

type SweeperConfig struct {
	// Root is the parent of the job working directories.
	Root string
	// Schedule is a cron spec, e.g. "@every 10m".
	Schedule string
	// MaxAge is how old an unowned directory must be before it is removed.
	MaxAge time.Duration
	// Owned returns the directories that still belong to registered jobs.
	Owned func() map[string]struct{}
	Log   *logger.Logger
}

// Sweeper periodically removes working directories that no registered job
// owns, such as leftovers from a previous process.
type Sweeper struct {
	cfg  SweeperConfig
	cron *cron.Cron
	log  *logger.Logger
	now  func() time.Time
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.Owned == nil {
		cfg.Owned = func() map[string]struct{} { return nil }
	}
	return &Sweeper{
		cfg:  cfg,
		cron: cron.New(),
		log:  log.WithComponent("sweeper"),
		now:  time.Now,
	}
}

// Start registers the sweep with cron and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.Sweep() }); err != nil {
		return apperrors.WrapWithCode(err, apperrors.CodeValidation, "retention.sweeper",
			"invalid sweep schedule: "+s.cfg.Schedule)
	}
	s.cron.Start()
	s.log.Info("sweeper started", "schedule", s.cfg.Schedule, "root", s.cfg.Root, "max_age", s.cfg.MaxAge.String())
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("sweeper stopped")
}

// Sweep removes every unowned, stale working directory under Root and
// returns how many it removed.
func (s *Sweeper) Sweep() int {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		s.log.Warn("sweep skipped", "root", s.cfg.Root, "error", err)
		return 0
	}

	owned := s.cfg.Owned()
	cutoff := s.now().Add(-s.cfg.MaxAge)
	removed := 0

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), WorkDirPrefix) {
			continue
		}
		dir := filepath.Join(s.cfg.Root, e.Name())
		if _, ok := owned[dir]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("failed to remove stale work dir", "dir", dir, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.log.Info("stale work dirs removed", "count", removed)
	}
	return removed
}
