package networking

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rafabd1/nightshade/internal/config"
	"github.com/rafabd1/nightshade/internal/utils"
)

const (
	// DefaultMaxStandbyDuration caps the standby applied after repeated 429s.
	DefaultMaxStandbyDuration = 5 * time.Minute
	// DefaultStandbyDurationIncrement is how much standby grows on each new 429.
	DefaultStandbyDurationIncrement = 1 * time.Minute
	// DefaultInitialStandbyDuration is used when the config does not set DomainCooldownMs.
	DefaultInitialStandbyDuration = 1 * time.Minute
)

// domainState stores the state of a specific domain.
type domainState struct {
	limiter                *rate.Limiter
	consecutiveFailures    int
	StandbyUntil           time.Time     // If domain is in forced standby (e.g., after 429)
	CurrentStandbyDuration time.Duration // Duration for the *next* standby period
}

// DomainManager manages per-domain politeness: a token bucket limiting the request rate
// and a standby period after the target answers 429 Too Many Requests.
// Domains are keyed by their registrable domain so sibling hosts share a budget.
type DomainManager struct {
	config       *config.Config
	logger       utils.Logger
	domainStatus map[string]*domainState
	mu           sync.Mutex
}

// NewDomainManager creates a new instance of DomainManager.
func NewDomainManager(cfg *config.Config, logger utils.Logger) *DomainManager {
	return &DomainManager{
		config:       cfg,
		logger:       logger,
		domainStatus: make(map[string]*domainState),
	}
}

// DomainKey returns the key used to group requests to rawURL.
func DomainKey(rawURL string) string {
	base, err := utils.ExtractBaseDomain(rawURL)
	if err != nil {
		return rawURL
	}
	return base
}

// getOrCreateDomainState retrieves or creates the state for a domain.
// Must be called with dm.mu held.
func (dm *DomainManager) getOrCreateDomainState(domain string) *domainState {
	ds, exists := dm.domainStatus[domain]
	if !exists {
		limit := rate.Inf
		burst := 1
		if dm.config.RequestsPerSecond > 0 {
			limit = rate.Limit(dm.config.RequestsPerSecond)
		}
		standby := time.Duration(dm.config.DomainCooldownMs) * time.Millisecond
		if standby <= 0 {
			standby = DefaultInitialStandbyDuration
		}
		ds = &domainState{
			limiter:                rate.NewLimiter(limit, burst),
			CurrentStandbyDuration: standby,
		}
		dm.domainStatus[domain] = ds
		dm.logger.Debugf("[DomainManager] Initialized state for domain '%s' (rate: %v req/s)", domain, limit)
	}
	return ds
}

// Wait blocks until a request to domain is allowed or ctx is done.
// The time spent here is not part of the request deadline.
func (dm *DomainManager) Wait(ctx context.Context, domain string) error {
	dm.mu.Lock()
	ds := dm.getOrCreateDomainState(domain)
	standbyUntil := ds.StandbyUntil
	limiter := ds.limiter
	dm.mu.Unlock()

	if wait := time.Until(standbyUntil); wait > 0 {
		dm.logger.Debugf("[DomainManager] Domain '%s' is in STANDBY. Wait: %s", domain, wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return limiter.Wait(ctx)
}

// RecordRequestResult analyzes the result of a request.
func (dm *DomainManager) RecordRequestResult(domain string, statusCode int, err error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	ds := dm.getOrCreateDomainState(domain)

	if statusCode == 429 {
		ds.StandbyUntil = time.Now().Add(ds.CurrentStandbyDuration)
		dm.logger.Warnf("[DomainManager] Domain '%s' received status 429 (Too Many Requests). Standby until %s.",
			domain, ds.StandbyUntil.Format(time.RFC3339))

		ds.CurrentStandbyDuration += DefaultStandbyDurationIncrement
		if ds.CurrentStandbyDuration > DefaultMaxStandbyDuration {
			ds.CurrentStandbyDuration = DefaultMaxStandbyDuration
		}
		ds.consecutiveFailures = 0
		return
	}

	if err != nil {
		ds.consecutiveFailures++
		dm.logger.Debugf("[DomainManager] Error for domain %s: %v. Consecutive failures: %d.", domain, err, ds.consecutiveFailures)
		return
	}
	ds.consecutiveFailures = 0
}

// IsStandby reports whether domain is currently in standby and until when.
func (dm *DomainManager) IsStandby(domain string) (bool, time.Time) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	ds, exists := dm.domainStatus[domain]
	if !exists || ds.StandbyUntil.IsZero() || time.Now().After(ds.StandbyUntil) {
		return false, time.Time{}
	}
	return true, ds.StandbyUntil
}

// ConsecutiveFailures returns the number of failed requests in a row for domain.
func (dm *DomainManager) ConsecutiveFailures(domain string) int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	ds, exists := dm.domainStatus[domain]
	if !exists {
		return 0
	}
	return ds.consecutiveFailures
}
