package engine

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/rodrigopitanga/patchvec/internal/config"
	"github.com/rodrigopitanga/patchvec/internal/metrics"
	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

// admission is the process-wide concurrency gate: requests beyond the
// search or ingest caps fail fast with overloaded instead of queueing.
// An optional per-tenant cap spans both operation kinds.
type admission struct {
	search *semaphore.Weighted
	ingest *semaphore.Weighted

	tenantMax int64
	mu        sync.Mutex
	tenants   map[string]*semaphore.Weighted
}

func newAdmission(cfg config.LimitsConfig) *admission {
	a := &admission{
		search:    semaphore.NewWeighted(int64(cfg.Search.MaxConcurrent)),
		ingest:    semaphore.NewWeighted(int64(cfg.Ingest.MaxConcurrent)),
		tenantMax: int64(cfg.Tenant.MaxConcurrent),
	}
	if a.tenantMax > 0 {
		a.tenants = make(map[string]*semaphore.Weighted)
	}
	return a
}

func (a *admission) tenantSem(tenant string) *semaphore.Weighted {
	a.mu.Lock()
	defer a.mu.Unlock()
	sem, ok := a.tenants[tenant]
	if !ok {
		sem = semaphore.NewWeighted(a.tenantMax)
		a.tenants[tenant] = sem
	}
	return sem
}

// acquire takes the gate's slot plus the tenant slot. The returned
// release function is nil on failure.
func (a *admission) acquire(gate *semaphore.Weighted, gateName, tenant string) (func(), error) {
	if !gate.TryAcquire(1) {
		metrics.AdmissionRejections.WithLabelValues(gateName).Inc()
		return nil, pverr.New(pverr.CodeOverloaded, "too many concurrent %s operations", gateName)
	}
	if a.tenantMax > 0 {
		sem := a.tenantSem(tenant)
		if !sem.TryAcquire(1) {
			gate.Release(1)
			metrics.AdmissionRejections.WithLabelValues("tenant").Inc()
			return nil, pverr.New(pverr.CodeOverloaded, "tenant %s exceeded its concurrency cap", tenant)
		}
		return func() { sem.Release(1); gate.Release(1) }, nil
	}
	return func() { gate.Release(1) }, nil
}

func (a *admission) acquireSearch(tenant string) (func(), error) {
	return a.acquire(a.search, "search", tenant)
}

func (a *admission) acquireIngest(tenant string) (func(), error) {
	return a.acquire(a.ingest, "ingest", tenant)
}
