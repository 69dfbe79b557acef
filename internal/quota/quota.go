// Package quota enforces per-route per-model usage limits. Admission check
// and usage commit happen inside one mutex-guarded call so two concurrent
// requests on the same (route, model) pair cannot lose an update.
package quota

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/polyrelay/polyrelay/internal/domain"
	"github.com/polyrelay/polyrelay/internal/route"
)

// Persister durably stores route documents. Persistence is best-effort
// relative to the request path: failures are logged, never surfaced to the
// in-flight response.
type Persister interface {
	SaveRoute(ctx context.Context, r *route.Route) error
	LoadRoutes(ctx context.Context) ([]*route.Route, error)
	DeleteRoute(ctx context.Context, id string) error
}

// Enforcer owns the in-memory route set and its usage ledgers. Both the
// OpenAI and Claude handlers call the same Enforcer instance, so the
// admission algorithm has exactly one implementation.
type Enforcer struct {
	mu     sync.Mutex
	routes map[string]*route.Route
	store  Persister
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Enforcer backed by store.
func New(store Persister, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		routes: make(map[string]*route.Route),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Load replaces the in-memory route set from the persister.
func (e *Enforcer) Load(ctx context.Context) error {
	routes, err := e.store.LoadRoutes(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routes = make(map[string]*route.Route, len(routes))
	for _, r := range routes {
		e.routes[r.ID] = r
	}
	return nil
}

// Get returns the route with the given id.
func (e *Enforcer) Get(id string) (*route.Route, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routes[id]
	return r, ok
}

// FindByKey returns the route holding the hash of the presented API key.
func (e *Enforcer) FindByKey(key string) (*route.Route, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.routes {
		if r.MatchesKey(key) {
			return r, true
		}
	}
	return nil, false
}

// List returns all routes sorted by id.
func (e *Enforcer) List() []*route.Route {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*route.Route, 0, len(e.routes))
	for _, r := range e.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert stores a route in memory and persists it.
func (e *Enforcer) Upsert(ctx context.Context, r *route.Route) error {
	e.mu.Lock()
	e.routes[r.ID] = r
	e.mu.Unlock()
	return e.store.SaveRoute(ctx, r)
}

// Delete removes a route from memory and the persister.
func (e *Enforcer) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	delete(e.routes, id)
	e.mu.Unlock()
	return e.store.DeleteRoute(ctx, id)
}

// Check admits or rejects one request for model on routeID and, on
// admission, commits the usage increment in the same critical section.
// The model must already be alias-resolved; usage is tracked under the
// resolved name.
func (e *Enforcer) Check(ctx context.Context, routeID, model string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.routes[routeID]
	if !ok {
		return &domain.ValidationError{Message: "unknown route: " + routeID}
	}

	limit := r.ModelLimits[model]
	if limit.Unlimited() {
		return nil
	}

	now := e.now()

	if limit.ExpireAt != nil && now.After(*limit.ExpireAt) {
		return &domain.QuotaError{Reason: "expired", Model: model, ExpireAt: *limit.ExpireAt}
	}

	if r.Usage == nil {
		r.Usage = make(map[string]*route.UsageEntry)
	}
	usage := r.Usage[model]
	if usage == nil {
		usage = &route.UsageEntry{}
		r.Usage[model] = usage
	}

	// Period rollover happens before any limit comparison so a stale
	// periodUsed from the previous window never rejects a request.
	if limit.Period.Valid() {
		start := limit.Period.Start(now)
		if usage.LastReset.Before(start) {
			usage.PeriodUsed = 0
			usage.LastReset = now
		}
	}

	if limit.Total > 0 && usage.TotalUsed >= limit.Total {
		return &domain.QuotaError{Reason: "total_exceeded", Model: model, Limit: limit.Total, Used: usage.TotalUsed}
	}
	if limit.Period.Valid() && limit.PeriodLimit > 0 && usage.PeriodUsed >= limit.PeriodLimit {
		return &domain.QuotaError{Reason: "period_exceeded", Model: model, Limit: limit.PeriodLimit, Used: usage.PeriodUsed}
	}

	usage.TotalUsed++
	if limit.Period.Valid() {
		usage.PeriodUsed++
	}

	if err := e.store.SaveRoute(ctx, r); err != nil {
		e.logger.Error("failed to persist usage ledger",
			slog.String("route", routeID),
			slog.String("model", model),
			slog.String("error", err.Error()))
	}
	return nil
}
