// Package scheduler owns the polling loop: the cron-driven tick that
// scans due searches, plus the maintenance, expiry and archive-warming
// jobs around it.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"listing-radar-go/internal/config"
)

// Scheduler manages the periodic polling cycle and its side jobs.
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	cfg       config.CrawlerConfig
	pipeline  *Pipeline
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	tickMu    sync.Mutex
	isRunning bool
	mu        sync.RWMutex
}

// NewScheduler creates a new scheduler around a wired pipeline.
func NewScheduler(cfg config.CrawlerConfig, pipeline *Pipeline) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		cfg:      cfg,
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the cron jobs and starts the loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	// A stopped scheduler may be started again: the previous Stop
	// cancelled the context and halted the cron loop, so both are rebuilt.
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.cron = cron.New(cron.WithSeconds())
	}

	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", s.cfg.TickSeconds), s.runCycle)
	if err != nil {
		return fmt.Errorf("failed to add tick job: %w", err)
	}
	s.entryID = entryID

	if _, err := s.cron.AddFunc(fmt.Sprintf("0 0 %d * * *", s.cfg.MaintenanceHour), s.runMaintenance); err != nil {
		return fmt.Errorf("failed to add maintenance job: %w", err)
	}

	if _, err := s.cron.AddFunc("0 0 * * * *", s.runExpirySweep); err != nil {
		return fmt.Errorf("failed to add expiry sweep job: %w", err)
	}

	if s.cfg.MasterEnabled && len(s.cfg.MasterURLs) > 0 {
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %dm", s.cfg.MasterIntervalMin), s.runMasterCrawl); err != nil {
			return fmt.Errorf("failed to add master crawl job: %w", err)
		}
	}

	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started, tick every %d seconds", s.cfg.TickSeconds)
	return nil
}

// Stop stops the scheduler and waits for in-flight jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()
	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.isRunning = false
	return nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// runCycle is the periodic tick. A tick that fires while the previous
// one is still fetching is skipped, not queued: the next tick will pick
// up whatever became due in the meantime.
func (s *Scheduler) runCycle() {
	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	if !s.tickMu.TryLock() {
		logrus.Warn("Previous cycle still running, skipping tick")
		return
	}
	defer s.tickMu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.pipeline.RunCycle(s.ctx); err != nil {
		logrus.Errorf("Polling cycle failed: %v", err)
	}
}

func (s *Scheduler) runMaintenance() {
	s.wg.Add(1)
	defer s.wg.Done()
	if err := s.pipeline.RunMaintenance(s.ctx); err != nil {
		logrus.Errorf("Maintenance failed: %v", err)
	}
}

func (s *Scheduler) runExpirySweep() {
	s.wg.Add(1)
	defer s.wg.Done()
	if err := s.pipeline.RunExpirySweep(s.ctx); err != nil {
		logrus.Errorf("Expiry sweep failed: %v", err)
	}
}

func (s *Scheduler) runMasterCrawl() {
	s.wg.Add(1)
	defer s.wg.Done()
	if err := s.pipeline.RunMasterCrawl(s.ctx); err != nil {
		logrus.Errorf("Master crawl failed: %v", err)
	}
}

// RunOnce triggers one polling cycle outside the cron schedule.
func (s *Scheduler) RunOnce() error {
	logrus.Info("Running polling cycle once")
	s.runCycle()
	return nil
}

// GetNextRun returns the time of the next scheduled tick.
func (s *Scheduler) GetNextRun() time.Time {
	if !s.IsRunning() {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// GetLastRun returns the time of the last tick.
func (s *Scheduler) GetLastRun() time.Time {
	if !s.IsRunning() {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Prev
}

// Wait blocks until all in-flight jobs finish.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
