package core

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/rafabd1/nightshade/internal/config"
	"github.com/rafabd1/nightshade/internal/networking"
	"github.com/rafabd1/nightshade/internal/output"
	"github.com/rafabd1/nightshade/internal/utils"
)

// Summary describes a finished scan.
type Summary struct {
	Attacked      int   // Base requests whose attack ran to completion
	Aborted       int   // Base requests abandoned because of lag
	NetworkErrors int64 // Shared counter at the end of the scan
}

// Scheduler orchestrates the scanning process: base requests are attacked concurrently,
// each attack itself stays sequential.
type Scheduler struct {
	config        *config.Config
	attack        Attack
	networkErrors *atomic.Int64
	progress      *output.Progress
	logger        utils.Logger
}

// NewScheduler creates a new Scheduler instance. progress may be nil.
func NewScheduler(cfg *config.Config, attack Attack, networkErrors *atomic.Int64, progress *output.Progress, logger utils.Logger) *Scheduler {
	if networkErrors == nil {
		networkErrors = new(atomic.Int64)
	}
	return &Scheduler{
		config:        cfg,
		attack:        attack,
		networkErrors: networkErrors,
		progress:      progress,
		logger:        logger,
	}
}

// Run attacks every request and waits for all of them.
// The only error returned is the context error when the scan is interrupted.
func (s *Scheduler) Run(ctx context.Context, requests []*networking.Request) (Summary, error) {
	var summary Summary
	if len(requests) == 0 {
		s.logger.Warnf("No targets configured. Aborting scan.")
		return summary, nil
	}

	concurrencyLimit := s.config.Concurrency
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}
	s.logger.Infof("Starting %s attack on %d requests (concurrency %d, timeout %ds).",
		s.attack.Name(), len(requests), concurrencyLimit, s.config.TimeoutSeconds)

	var attacked, aborted atomic.Int64
	p := pool.New().WithContext(ctx).WithMaxGoroutines(concurrencyLimit)

	for _, req := range buildBalancedWorkQueue(requests) {
		p.Go(func(ctx context.Context) error {
			defer s.increment()

			s.logger.Debugf("[Scheduler Worker] START: %s", req)
			err := s.attack.Attack(ctx, req)
			switch {
			case err == nil:
				attacked.Add(1)
			case errors.Is(err, ErrTooMuchLag):
				aborted.Add(1)
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				s.logger.Errorf("Attack on %s failed: %v", req, err)
			}
			s.logger.Debugf("[Scheduler Worker] END: %s", req)
			return nil
		})
	}

	err := p.Wait()
	summary.Attacked = int(attacked.Load())
	summary.Aborted = int(aborted.Load())
	summary.NetworkErrors = s.networkErrors.Load()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return summary, ctxErr
	}
	return summary, err
}

func (s *Scheduler) increment() {
	if s.progress != nil {
		s.progress.Increment()
	}
}

// buildBalancedWorkQueue interleaves requests by domain so that concurrent workers
// spread over hosts instead of hammering the first one. Order within a domain is kept.
func buildBalancedWorkQueue(requests []*networking.Request) []*networking.Request {
	var domains []string
	byDomain := make(map[string][]*networking.Request)
	for _, req := range requests {
		key := networking.DomainKey(req.URL)
		if _, exists := byDomain[key]; !exists {
			domains = append(domains, key)
		}
		byDomain[key] = append(byDomain[key], req)
	}

	queue := make([]*networking.Request, 0, len(requests))
	for len(queue) < len(requests) {
		for _, domain := range domains {
			if pending := byDomain[domain]; len(pending) > 0 {
				queue = append(queue, pending[0])
				byDomain[domain] = pending[1:]
			}
		}
	}
	return queue
}
