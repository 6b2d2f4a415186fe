package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chatbot/telemetry"
	"github.com/onnwee/chatbot/users"
)

// resolveTimeout bounds a shared resolution once it no longer follows the
// caller's context.
const resolveTimeout = 10 * time.Second

// Identity describes who owns the channel. The broadcaster bypasses the
// waterfall; owners additionally match the casters automation.
type Identity struct {
	Broadcaster string
	Owners      []string
}

// Notifier announces a permission definition change to other instances.
type Notifier interface {
	Publish(ctx context.Context) error
}

// Reloader is implemented by registries that memoize definitions.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Resolver walks the permission waterfall for a user.
type Resolver struct {
	registry    Registry
	attrs       *AttributeProvider
	broadcaster string
	owners      map[string]struct{}
	cache       *Cache
	notifier    Notifier
	flight      singleflight.Group
	log         *slog.Logger
}

type ResolverOption func(*Resolver)

// WithCache enables Check memoization.
func WithCache(c *Cache) ResolverOption { return func(r *Resolver) { r.cache = c } }

// WithNotifier makes InvalidateAll announce the change.
func WithNotifier(n Notifier) ResolverOption { return func(r *Resolver) { r.notifier = n } }

func NewResolver(reg Registry, attrs *AttributeProvider, id Identity, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry:    reg,
		attrs:       attrs,
		broadcaster: normalizeName(id.Broadcaster),
		owners:      make(map[string]struct{}, len(id.Owners)),
		log:         slog.Default().With(slog.String("component", "permissions")),
	}
	for _, o := range id.Owners {
		if o = normalizeName(o); o != "" {
			r.owners[o] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve decides whether userID holds permissionID. Errors never escape:
// they are logged and reported as denial.
func (r *Resolver) Resolve(ctx context.Context, userID, permissionID string) Decision {
	d, _ := r.decide(ctx, userID, permissionID)
	return d
}

// decide is Resolve that also reports whether the decision follows from the
// user's state and the group definitions alone. A denial caused by a lookup,
// registry or filter error is not definitive.
func (r *Resolver) decide(ctx context.Context, userID, permissionID string) (Decision, bool) {
	ctx, span := telemetry.StartSpan(ctx, "permissions", "permissions.resolve",
		telemetry.UserAttr(userID), telemetry.PermissionAttr(permissionID))
	defer span.End()

	var (
		o      outcome
		result = "deny"
	)
	telemetry.TimeFunc(telemetry.ResolveDuration, func() {
		o = r.resolve(ctx, userID, permissionID)
		switch {
		case o.override:
			result = "override"
		case o.decision.Access:
			result = "grant"
		case !o.definitive:
			result = "error"
		}
	})
	telemetry.ObserveDecision(result)
	telemetry.SetSpanSuccess(span)
	return o.decision, o.definitive
}

type outcome struct {
	decision   Decision
	override   bool
	definitive bool
}

func (r *Resolver) resolve(ctx context.Context, userID, permissionID string) outcome {
	log := r.log.With(slog.String("user_id", userID), slog.String("permission_id", permissionID))

	rec, err := r.attrs.Record(ctx, userID)
	if err != nil {
		log.Warn("permission check failed closed: user lookup", slog.Any("err", err))
		return outcome{}
	}
	if r.isBroadcaster(rec) {
		return outcome{decision: Decision{Access: true, GroupID: CastersID}, override: true, definitive: true}
	}

	groups, err := r.registry.List(ctx)
	if err != nil {
		log.Warn("permission check failed closed: registry", slog.Any("err", err))
		return outcome{}
	}
	if permissionID != ViewersID && findByID(groups, permissionID) == nil {
		log.Debug("unknown permission, denying")
		return outcome{definitive: true}
	}

	definitive := true
	for _, g := range groups {
		granted, err := r.evaluate(ctx, g, rec)
		if err != nil {
			log.Warn("permission group failed closed", slog.String("group_id", g.ID), slog.Any("err", err))
			granted = false
			definitive = false
		}
		if granted {
			return outcome{decision: Decision{Access: true, GroupID: g.ID}, definitive: true}
		}
		if !g.IsWaterfallAllowed || g.ID == permissionID {
			break
		}
	}
	return outcome{definitive: definitive}
}

// evaluate applies one group: exclusion, membership, automation, then the
// AND of all filters.
func (r *Resolver) evaluate(ctx context.Context, g Group, rec *users.Record) (bool, error) {
	if g.excludes(rec.UserID) {
		return false, nil
	}
	if g.includes(rec.UserID) {
		return true, nil
	}
	if r.automationMatches(g.Automation, rec) {
		return true, nil
	}
	if len(g.Filters) == 0 {
		return false, nil
	}
	for _, f := range g.Filters {
		ok, err := r.attrs.passes(ctx, f, rec)
		if err != nil {
			return false, fmt.Errorf("filter %s %s %s: %w", f.Type, f.Comparator, f.Value, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (r *Resolver) automationMatches(a Automation, rec *users.Record) bool {
	switch a {
	case AutomationCasters:
		return r.isBroadcaster(rec) || r.isOwner(rec)
	case AutomationModerators:
		return rec.IsModerator
	case AutomationSubscribers:
		return rec.IsSubscriber
	case AutomationVIP:
		return rec.IsVIP
	case AutomationFollowers:
		return rec.IsFollower
	case AutomationViewers:
		return true
	default:
		return false
	}
}

func (r *Resolver) isBroadcaster(rec *users.Record) bool {
	return r.broadcaster != "" && normalizeName(rec.Username) == r.broadcaster
}

func (r *Resolver) isOwner(rec *users.Record) bool {
	_, ok := r.owners[normalizeName(rec.Username)]
	return ok && rec.Username != ""
}

// Check is the cached form of Resolve. Concurrent misses for the same pair
// share one resolution, which outlives any single caller's cancellation.
// Only definitive decisions are cached.
func (r *Resolver) Check(ctx context.Context, userID, permissionID string) bool {
	if r.cache != nil {
		if access, ok := r.cache.Get(userID, permissionID); ok {
			telemetry.Inc(telemetry.PermissionCacheHits)
			return access
		}
		telemetry.Inc(telemetry.PermissionCacheMiss)
	}
	v, _, _ := r.flight.Do(userID+"\x00"+permissionID, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		var gen uint64
		if r.cache != nil {
			gen = r.cache.Generation()
		}
		d, definitive := r.decide(shared, userID, permissionID)
		if r.cache != nil && definitive {
			r.cache.SetIfGeneration(gen, userID, permissionID, d.Access)
		}
		return d.Access, nil
	})
	return v.(bool)
}

// CheckByName resolves a permission addressed by group name.
func (r *Resolver) CheckByName(ctx context.Context, userID, name string) bool {
	if strings.EqualFold(strings.TrimSpace(name), "viewers") {
		return r.Check(ctx, userID, ViewersID)
	}
	g, err := r.registry.GetByName(ctx, name)
	if err != nil || g == nil {
		r.log.Debug("permission name not found, denying", slog.String("name", name), slog.Any("err", err))
		return false
	}
	return r.Check(ctx, userID, g.ID)
}

// Invalidate reloads the registry (when it memoizes) and drops cached
// decisions on this instance only.
func (r *Resolver) Invalidate(ctx context.Context) error {
	if r.cache != nil {
		defer r.cache.InvalidateAll()
	}
	if rl, ok := r.registry.(Reloader); ok {
		if err := rl.Reload(ctx); err != nil {
			return fmt.Errorf("reload permissions: %w", err)
		}
	}
	return nil
}

// InvalidateAll is Invalidate followed by an announcement to other instances.
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	if err := r.Invalidate(ctx); err != nil {
		return err
	}
	if r.notifier != nil {
		if err := r.notifier.Publish(ctx); err != nil {
			return fmt.Errorf("publish permission invalidation: %w", err)
		}
	}
	return nil
}
