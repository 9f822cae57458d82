package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "wabot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string
}

// Service is a thin lifecycle wrapper around robfig/cron. Jobs are
// registered by name so plugins can replace theirs on config reload.
type Service struct {
	cfg Config
	log logx.Logger
	loc *time.Location

	c      *cron.Cron
	parser cron.Parser

	mu      sync.Mutex
	entries map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone: %w", err)
		}
		loc = l
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		loc:     loc,
		parser:  parser,
		c:       cron.New(cron.WithLocation(loc), cron.WithParser(parser)),
		entries: map[string]cron.EntryID{},
	}
	return s, nil
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := s.c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddJob registers a named job from a schedule string (see ParseSchedule).
// Re-registering a name replaces the previous job.
func (s *Service) AddJob(name, spec string, fn func(ctx context.Context)) error {
	parsed, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	expr := parsed.Cron
	if parsed.Kind == SpecInterval {
		expr = "@every " + parsed.Every.String()
	}
	return s.addCron(name, expr, fn)
}

// AddDaily registers a job that fires once a day at HH:MM local time.
func (s *Service) AddDaily(name, at string, fn func(ctx context.Context)) error {
	hour, minute, err := parseHHMM(at)
	if err != nil {
		return err
	}
	return s.addCron(name, fmt.Sprintf("%d %d * * *", minute, hour), fn)
}

func (s *Service) addCron(name, expr string, fn func(ctx context.Context)) error {
	id, err := s.c.AddFunc(expr, s.wrap(name, fn))
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	if old, ok := s.entries[name]; ok {
		s.c.Remove(old)
	}
	s.entries[name] = id
	s.mu.Unlock()

	s.log.Debug("job registered", logx.String("name", name), logx.String("spec", expr))
	return nil
}

// Remove unregisters a named job. Unknown names are a no-op.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
		delete(s.entries, name)
	}
	s.mu.Unlock()
}

func (s *Service) wrap(name string, fn func(ctx context.Context)) func() {
	return func() {
		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		s.log.Debug("job firing", logx.String("name", name))
		fn(ctx)
		s.log.Debug("job done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}
}
