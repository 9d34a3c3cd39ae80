package contextstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"

	"edgeai/internal/logging"
)

// CompactorConfig configures background compaction.
type CompactorConfig struct {
	// Schedule is a cron spec; descriptors such as "@every 5m" are accepted.
	Schedule string
	Window   time.Duration
	// Workers bounds how many namespaces are summarized at once.
	Workers int
}

// Report describes one compaction pass.
type Report struct {
	Checked   int `json:"checked"`
	Compacted int `json:"compacted"`
	Summaries int `json:"summaries"`
}

// Compactor periodically summarizes namespaces that exceed the store's token
// budget or still hold entries from an older embedding version.
type Compactor struct {
	store   *Store
	cfg     CompactorConfig
	cron    *cron.Cron
	logger  logging.Logger
	running atomic.Bool

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewCompactor validates the schedule and prepares the cron runner.
func NewCompactor(store *Store, cfg CompactorConfig, logger logging.Logger) (*Compactor, error) {
	logger = logging.OrNop(logger)
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if cfg.Schedule != "" {
		if _, err := parser.Parse(cfg.Schedule); err != nil {
			return nil, fmt.Errorf("contextstore: compaction schedule %q: %w", cfg.Schedule, err)
		}
	}
	cl := cronLogger{logger: logger}
	return &Compactor{
		store:   store,
		cfg:     cfg,
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		logger:  logger,
		stopped: make(chan struct{}),
	}, nil
}

// Start registers the compaction job and runs it until ctx is done or Stop
// is called. An empty schedule disables background compaction.
func (c *Compactor) Start(ctx context.Context) error {
	if c.cfg.Schedule == "" {
		c.logger.Info("Context compaction disabled (no schedule)")
		return nil
	}
	if _, err := c.cron.AddFunc(c.cfg.Schedule, func() {
		report, err := c.RunOnce(ctx)
		if err != nil {
			c.logger.Warn("Context compaction finished with errors: %v", err)
		}
		if report.Compacted > 0 {
			c.logger.Info("Context compaction: %d/%d namespaces compacted, %d summaries", report.Compacted, report.Checked, report.Summaries)
		}
	}); err != nil {
		return fmt.Errorf("contextstore: register compaction: %w", err)
	}
	c.cron.Start()
	c.running.Store(true)
	c.logger.Info("Context compaction scheduled (%s, window %v)", c.cfg.Schedule, c.cfg.Window)

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.stopped:
		}
	}()
	return nil
}

// Stop halts the cron runner and waits for a running pass. Safe to call
// multiple times.
func (c *Compactor) Stop() {
	c.stopOnce.Do(func() {
		if c.running.Load() {
			<-c.cron.Stop().Done()
		}
		close(c.stopped)
	})
}

// RunOnce checks every namespace and summarizes those that need it.
func (c *Compactor) RunOnce(ctx context.Context) (Report, error) {
	namespaces := c.store.Namespaces()
	var compacted, summaries atomic.Int32

	p := pool.New().WithMaxGoroutines(c.cfg.Workers).WithErrors()
	for _, ns := range namespaces {
		if !c.needsCompaction(ns) {
			continue
		}
		p.Go(func() error {
			n, err := c.compact(ctx, ns)
			if n > 0 {
				compacted.Add(1)
				summaries.Add(int32(n))
			}
			if err != nil {
				return fmt.Errorf("compact %s: %w", ns, err)
			}
			return nil
		})
	}
	err := p.Wait()
	return Report{Checked: len(namespaces), Compacted: int(compacted.Load()), Summaries: int(summaries.Load())}, err
}

func (c *Compactor) needsCompaction(ns string) bool {
	st := c.store.Stats(ns)
	return st.Stale > 0 || c.overBudget(st)
}

func (c *Compactor) overBudget(st Stats) bool {
	return c.store.tokenBudget > 0 && st.ActiveTokens > c.store.tokenBudget
}

func (c *Compactor) compact(ctx context.Context, ns string) (int, error) {
	n := 0
	summary, err := c.store.Summarize(ctx, ns, c.cfg.Window)
	if summary != nil {
		n++
	}
	if err != nil {
		return n, err
	}
	// Still over budget with everything recent: fold all unprotected entries.
	if c.overBudget(c.store.Stats(ns)) {
		summary, err = c.store.Summarize(ctx, ns, 0)
		if summary != nil {
			n++
		}
	}
	return n, err
}

// cronLogger routes robfig/cron diagnostics into the component logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
