package automation

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig runs Command on Channels or Group whenever Cron matches.
type ScheduleConfig struct {
	Cron     string
	Command  string
	Channels []int
	Group    string
}

type scheduleEntry struct {
	cfg      ScheduleConfig
	schedule cron.Schedule
	next     time.Time
}

// Scheduler fires configured commands on five-field cron schedules.
type Scheduler struct {
	ctrl    Controller
	logger  *slog.Logger
	entries []*scheduleEntry
	now     func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler validates schedules and creates a Scheduler.
func NewScheduler(ctrl Controller, schedules []ScheduleConfig, logger *slog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s := &Scheduler{
		ctrl:   ctrl,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for i, cfg := range schedules {
		sched, err := parser.Parse(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: parsing cron %q: %w", i, cfg.Cron, err)
		}
		if _, err := parseScheduledCommand(cfg.Command); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
		if (cfg.Group == "") == (len(cfg.Channels) == 0) {
			return nil, fmt.Errorf("schedule %d: exactly one of channels or group is required", i)
		}
		s.entries = append(s.entries, &scheduleEntry{cfg: cfg, schedule: sched})
	}
	return s, nil
}

// Start begins firing schedules. It is a no-op without schedules.
func (s *Scheduler) Start() {
	if len(s.entries) == 0 {
		return
	}
	now := s.now()
	for _, e := range s.entries {
		e.next = e.schedule.Next(now)
	}
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("scheduler started", "schedules", len(s.entries))
}

// Stop halts the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		next, ok := s.nextRun()
		if !ok {
			<-s.done
			return
		}
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
			s.fireDue(s.now())
		}
	}
}

// nextRun returns the earliest pending run. Entries whose schedule never
// matches again have a zero next time and are ignored.
func (s *Scheduler) nextRun() (time.Time, bool) {
	var earliest time.Time
	for _, e := range s.entries {
		if e.next.IsZero() {
			continue
		}
		if earliest.IsZero() || e.next.Before(earliest) {
			earliest = e.next
		}
	}
	return earliest, !earliest.IsZero()
}

// fireDue runs every entry whose next time is not after now and reschedules it.
func (s *Scheduler) fireDue(now time.Time) int {
	fired := 0
	for _, e := range s.entries {
		if e.next.IsZero() || e.next.After(now) {
			continue
		}
		s.fire(e.cfg)
		e.next = e.schedule.Next(now)
		fired++
	}
	return fired
}

func (s *Scheduler) fire(cfg ScheduleConfig) {
	cmd, err := parseScheduledCommand(cfg.Command)
	if err != nil {
		return
	}
	targets := make([]string, 0, len(cfg.Channels))
	if cfg.Group != "" {
		targets = append(targets, cfg.Group)
	}
	for _, id := range cfg.Channels {
		targets = append(targets, strconv.Itoa(id))
	}
	for _, target := range targets {
		if err := sendToTarget(s.ctrl, cmd, target); err != nil {
			s.logger.Warn("scheduled command failed", "cron", cfg.Cron, "command", cmd, "target", target, "err", err)
			continue
		}
		s.logger.Info("scheduled command sent", "cron", cfg.Cron, "command", cmd, "target", target)
	}
}
