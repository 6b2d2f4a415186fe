package permissions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatbot/rates"
	"github.com/onnwee/chatbot/users"
)

type fakeUsers struct {
	mu   sync.Mutex
	recs map[string]*users.Record
	err  error
}

func newFakeUsers(recs ...*users.Record) *fakeUsers {
	f := &fakeUsers{recs: map[string]*users.Record{}}
	for _, r := range recs {
		f.recs[r.UserID] = r
	}
	return f
}

func (f *fakeUsers) Snapshot(_ context.Context, id string) (*users.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.recs[id]; ok {
		return r.Clone(), nil
	}
	return nil, nil
}

func (f *fakeUsers) set(r *users.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[r.UserID] = r
}

func user(id, name string, mut ...func(*users.Record)) *users.Record {
	r := users.NewRecord(id)
	r.Username = name
	for _, m := range mut {
		m(r)
	}
	return r
}

func withPoints(n int64) func(*users.Record) { return func(r *users.Record) { r.Points = n } }

func newResolver(u UserReader, groups []Group, opts ...ResolverOption) *Resolver {
	attrs := NewAttributeProvider(u, AttributeConfig{
		Ranks:        NewWatchedRanks([]Rank{{Name: "Regular", HoursWatched: 10}, {Name: "Veteran", HoursWatched: 100}}),
		Rates:        rates.NewStatic("USD", map[string]float64{"EUR": 2}),
		MainCurrency: "USD",
	})
	return NewResolver(NewStaticRegistry(groups), attrs, Identity{Broadcaster: "TheStreamer", Owners: []string{"botowner"}}, opts...)
}

const (
	groupA = "group-a"
	groupB = "group-b"
)

func viewersGroup(order int) Group {
	return Group{ID: ViewersID, Name: "Viewers", Order: order, IsWaterfallAllowed: true, Automation: AutomationViewers}
}

func TestExclusionBeatsInclusion(t *testing.T) {
	u := newFakeUsers(user("u1", "alice"))
	groups := []Group{
		{ID: groupA, Name: "A", Order: 1, IsWaterfallAllowed: false, Automation: AutomationNone,
			UserIDs: []string{"u1"}, ExcludeUserIDs: []string{"u1"}},
		viewersGroup(2),
	}
	r := newResolver(u, groups)

	d := r.Resolve(context.Background(), "u1", ViewersID)
	assert.False(t, d.Access)
	assert.Empty(t, d.GroupID)

	groups[0].IsWaterfallAllowed = true
	r = newResolver(u, groups)
	d = r.Resolve(context.Background(), "u1", ViewersID)
	assert.True(t, d.Access)
	assert.Equal(t, ViewersID, d.GroupID, "exclusion must not grant at A")
}

func TestBroadcasterOverride(t *testing.T) {
	u := newFakeUsers(user("b1", "thestreamer"))
	groups := []Group{
		{ID: groupA, Name: "A", Order: 1, IsWaterfallAllowed: false, ExcludeUserIDs: []string{"b1"}},
	}
	r := newResolver(u, groups)

	for _, perm := range []string{groupA, ViewersID, "does-not-exist"} {
		d := r.Resolve(context.Background(), "b1", perm)
		assert.True(t, d.Access, perm)
		assert.Equal(t, CastersID, d.GroupID)
	}
}

func TestWaterfallDisallowedStopsWalk(t *testing.T) {
	u := newFakeUsers(user("u1", "viewer"))
	groups := []Group{
		{ID: groupA, Name: "A", Order: 1, IsWaterfallAllowed: false, Automation: AutomationModerators},
		{ID: groupB, Name: "B", Order: 2, IsWaterfallAllowed: true, Automation: AutomationViewers},
	}
	r := newResolver(u, groups)

	for _, target := range []string{groupB, ViewersID} {
		d := r.Resolve(context.Background(), "u1", target)
		assert.False(t, d.Access, "target %s", target)
	}

	u.set(user("u1", "viewer", func(r *users.Record) { r.IsModerator = true }))
	d := r.Resolve(context.Background(), "u1", groupB)
	assert.True(t, d.Access)
	assert.Equal(t, groupA, d.GroupID)
}

func TestFilterDenialFallsThrough(t *testing.T) {
	u := newFakeUsers(user("poor", "poor", withPoints(50)), user("rich", "rich", withPoints(150)))
	groups := []Group{
		{ID: groupA, Name: "A", Order: 1, IsWaterfallAllowed: true,
			Filters: []Filter{{Comparator: Greater, Type: AttrPoints, Value: "100"}}},
		{ID: groupB, Name: "B", Order: 2, IsWaterfallAllowed: true, Automation: AutomationViewers},
	}
	r := newResolver(u, groups)
	ctx := context.Background()

	d := r.Resolve(ctx, "poor", groupB)
	assert.Equal(t, Decision{Access: true, GroupID: groupB}, d)

	d = r.Resolve(ctx, "rich", groupB)
	assert.Equal(t, Decision{Access: true, GroupID: groupA}, d)

	d = r.Resolve(ctx, "poor", groupA)
	assert.False(t, d.Access, "walk ends at the target group")
}

func TestPlaceholderGroupNeverGrants(t *testing.T) {
	u := newFakeUsers(user("u1", "x"))
	groups := []Group{
		{ID: groupA, Name: "Placeholder", Order: 1, IsWaterfallAllowed: true, Automation: AutomationNone},
		viewersGroup(2),
	}
	r := newResolver(u, groups)

	assert.False(t, r.Resolve(context.Background(), "u1", groupA).Access)
	assert.Equal(t, Decision{Access: true, GroupID: ViewersID}, r.Resolve(context.Background(), "u1", ViewersID))
}

func TestUnknownPermissionDenied(t *testing.T) {
	u := newFakeUsers(user("u1", "x"))
	r := newResolver(u, []Group{viewersGroup(1)})
	assert.False(t, r.Resolve(context.Background(), "u1", "missing").Access)
}

func TestViewersTargetWalksEveryGroup(t *testing.T) {
	u := newFakeUsers(user("u1", "x", withPoints(10)))
	groups := []Group{
		{ID: groupA, Name: "A", Order: 1, IsWaterfallAllowed: true, Automation: AutomationModerators},
		{ID: groupB, Name: "B", Order: 2, IsWaterfallAllowed: true,
			Filters: []Filter{{Comparator: GreaterEqual, Type: AttrPoints, Value: "10"}}},
	}
	r := newResolver(u, groups)
	assert.Equal(t, Decision{Access: true, GroupID: groupB}, r.Resolve(context.Background(), "u1", ViewersID))
}

func TestInvalidFilterFailsClosed(t *testing.T) {
	u := newFakeUsers(user("u1", "x", withPoints(1000)))
	tests := []struct {
		name   string
		filter Filter
	}{
		{"unknown attribute", Filter{Comparator: Greater, Type: "karma", Value: "1"}},
		{"unknown comparator", Filter{Comparator: "!=", Type: AttrPoints, Value: "1"}},
		{"non-numeric value", Filter{Comparator: Greater, Type: AttrPoints, Value: "lots"}},
		{"ranks with ordering comparator", Filter{Comparator: Greater, Type: AttrRanks, Value: "Regular"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := []Group{
				{ID: groupA, Name: "A", Order: 1, IsWaterfallAllowed: true, Filters: []Filter{tt.filter}},
				{ID: groupB, Name: "B", Order: 2, IsWaterfallAllowed: true, Automation: AutomationViewers},
			}
			r := newResolver(u, groups)
			assert.False(t, r.Resolve(context.Background(), "u1", groupA).Access)
			assert.Equal(t, groupB, r.Resolve(context.Background(), "u1", groupB).GroupID)
		})
	}
}

func TestFiltersAreConjunctive(t *testing.T) {
	u := newFakeUsers(
		user("both", "both", withPoints(200), func(r *users.Record) { r.Messages = 20 }),
		user("one", "one", withPoints(200), func(r *users.Record) { r.Messages = 2 }),
	)
	groups := []Group{{ID: groupA, Name: "A", Order: 1, IsWaterfallAllowed: true, Filters: []Filter{
		{Comparator: GreaterEqual, Type: AttrPoints, Value: "100"},
		{Comparator: GreaterEqual, Type: AttrMessages, Value: "10"},
	}}}
	r := newResolver(u, groups)
	assert.True(t, r.Resolve(context.Background(), "both", groupA).Access)
	assert.False(t, r.Resolve(context.Background(), "one", groupA).Access)
}

func TestMembershipOverridesFailingFilter(t *testing.T) {
	u := newFakeUsers(user("u1", "x", withPoints(0)))
	groups := []Group{{ID: groupA, Name: "A", Order: 1, UserIDs: []string{"u1"},
		Filters: []Filter{{Comparator: Greater, Type: AttrPoints, Value: "100"}}}}
	r := newResolver(u, groups)
	assert.True(t, r.Resolve(context.Background(), "u1", groupA).Access)
}

func TestAutomationRules(t *testing.T) {
	tests := []struct {
		name       string
		automation Automation
		rec        *users.Record
		want       bool
	}{
		{"moderator", AutomationModerators, user("u", "m", func(r *users.Record) { r.IsModerator = true }), true},
		{"not moderator", AutomationModerators, user("u", "m"), false},
		{"subscriber", AutomationSubscribers, user("u", "s", func(r *users.Record) { r.IsSubscriber = true }), true},
		{"vip", AutomationVIP, user("u", "v", func(r *users.Record) { r.IsVIP = true }), true},
		{"follower", AutomationFollowers, user("u", "f", func(r *users.Record) { r.IsFollower = true }), true},
		{"not follower", AutomationFollowers, user("u", "f"), false},
		{"viewers", AutomationViewers, user("u", "anyone"), true},
		{"owner is caster", AutomationCasters, user("u", "BotOwner"), true},
		{"viewer is not caster", AutomationCasters, user("u", "nobody"), false},
		{"unknown automation", Automation("raiders"), user("u", "x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := []Group{{ID: groupA, Name: "A", Order: 1, Automation: tt.automation}}
			r := newResolver(newFakeUsers(tt.rec), groups)
			assert.Equal(t, tt.want, r.Resolve(context.Background(), "u", groupA).Access)
		})
	}
}

func TestUserLookupErrorFailsClosed(t *testing.T) {
	u := newFakeUsers()
	u.err = errors.New("lock timeout")
	r := newResolver(u, []Group{viewersGroup(1)})
	assert.False(t, r.Resolve(context.Background(), "u1", ViewersID).Access)
}

func TestUnknownUserIsDefaultRecord(t *testing.T) {
	r := newResolver(newFakeUsers(), []Group{viewersGroup(1)})
	assert.True(t, r.Resolve(context.Background(), "new", ViewersID).Access)
}

func TestRanksAndSubTierFilters(t *testing.T) {
	const hour = int64(3600 * 1000)
	u := newFakeUsers(
		user("reg", "reg", func(r *users.Record) { r.WatchedTime = 12 * hour }),
		user("prime", "p", func(r *users.Record) { r.SubscribeTier = "Prime" }),
		user("t3", "t", func(r *users.Record) { r.SubscribeTier = "3000" }),
	)
	groups := []Group{
		{ID: "ranked", Name: "Ranked", Order: 1, IsWaterfallAllowed: true, Filters: []Filter{{Comparator: Equal, Type: AttrRanks, Value: "regular"}}},
		{ID: "tier2", Name: "Tier2", Order: 2, IsWaterfallAllowed: true, Filters: []Filter{{Comparator: GreaterEqual, Type: AttrSubTier, Value: "2"}}},
		{ID: "prime", Name: "Prime", Order: 3, IsWaterfallAllowed: true, Filters: []Filter{{Comparator: Equal, Type: AttrSubTier, Value: "Prime"}}},
	}
	r := newResolver(u, groups)
	ctx := context.Background()

	assert.True(t, r.Resolve(ctx, "reg", "ranked").Access)
	assert.False(t, r.Resolve(ctx, "t3", "ranked").Access)
	assert.True(t, r.Resolve(ctx, "t3", "tier2").Access)
	assert.False(t, r.Resolve(ctx, "prime", "tier2").Access)
	assert.Equal(t, Decision{Access: true, GroupID: "prime"}, r.Resolve(ctx, "prime", "prime"), "Prime compares as tier 0")
}

func TestCheckUsesCacheUntilInvalidated(t *testing.T) {
	u := newFakeUsers(user("u1", "x", withPoints(0)))
	groups := []Group{{ID: groupA, Name: "A", Order: 1, Filters: []Filter{{Comparator: Greater, Type: AttrPoints, Value: "10"}}}}
	cache := NewCache()
	r := newResolver(u, groups, WithCache(cache))
	ctx := context.Background()

	_, ok := cache.Get("u1", groupA)
	assert.False(t, ok, "nothing cached before first resolution")

	assert.False(t, r.Check(ctx, "u1", groupA))
	access, ok := cache.Get("u1", groupA)
	assert.True(t, ok)
	assert.False(t, access)

	u.set(user("u1", "x", withPoints(50)))
	assert.False(t, r.Check(ctx, "u1", groupA), "stale entry persists until invalidation")

	require.NoError(t, r.Invalidate(ctx))
	_, ok = cache.Get("u1", groupA)
	assert.False(t, ok)
	assert.True(t, r.Check(ctx, "u1", groupA))
}

type countingNotifier struct{ n int }

func (c *countingNotifier) Publish(context.Context) error { c.n++; return nil }

type reloadingRegistry struct {
	*StaticRegistry
	reloads int
}

func (r *reloadingRegistry) Reload(context.Context) error { r.reloads++; return nil }

func TestInvalidateAllReloadsAndNotifies(t *testing.T) {
	reg := &reloadingRegistry{StaticRegistry: NewStaticRegistry(DefaultGroups())}
	n := &countingNotifier{}
	cache := NewCache()
	cache.Set("u", ViewersID, true)
	r := NewResolver(reg, NewAttributeProvider(newFakeUsers(), AttributeConfig{}), Identity{}, WithCache(cache), WithNotifier(n))

	require.NoError(t, r.InvalidateAll(context.Background()))
	assert.Equal(t, 1, reg.reloads)
	assert.Equal(t, 1, n.n)
	assert.Equal(t, 0, cache.Len())

	require.NoError(t, r.Invalidate(context.Background()))
	assert.Equal(t, 1, n.n, "local invalidation does not re-announce")
}

func TestCheckByName(t *testing.T) {
	u := newFakeUsers(user("m", "mod", func(r *users.Record) { r.IsModerator = true }), user("v", "viewer"))
	r := newResolver(u, DefaultGroups(), WithCache(NewCache()))
	ctx := context.Background()

	assert.True(t, r.CheckByName(ctx, "m", "moderators"))
	assert.False(t, r.CheckByName(ctx, "v", "Moderators"))
	assert.True(t, r.CheckByName(ctx, "v", "viewers"))
	assert.False(t, r.CheckByName(ctx, "v", "no such group"))
}

func TestConcurrentChecksAgree(t *testing.T) {
	u := newFakeUsers(user("u1", "x", withPoints(500)))
	groups := []Group{{ID: groupA, Name: "A", Order: 1, Filters: []Filter{{Comparator: Greater, Type: AttrPoints, Value: "100"}}}}
	r := newResolver(u, groups, WithCache(NewCache()))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, r.Check(context.Background(), "u1", groupA))
		}()
	}
	wg.Wait()
}

// ctxUsers fails reads once the caller's context is done.
type ctxUsers struct{ *fakeUsers }

func (c ctxUsers) Snapshot(ctx context.Context, id string) (*users.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.fakeUsers.Snapshot(ctx, id)
}

func TestCheckDoesNotCacheLookupFailure(t *testing.T) {
	u := newFakeUsers(user("u1", "viewer"))
	cache := NewCache()
	r := newResolver(u, DefaultGroups(), WithCache(cache))
	ctx := context.Background()

	u.mu.Lock()
	u.err = errors.New("store unavailable")
	u.mu.Unlock()
	assert.False(t, r.Check(ctx, "u1", ViewersID), "lookup errors deny")
	_, ok := cache.Get("u1", ViewersID)
	assert.False(t, ok, "an error is not the user's decision")

	u.mu.Lock()
	u.err = nil
	u.mu.Unlock()
	assert.True(t, r.Check(ctx, "u1", ViewersID))
	access, ok := cache.Get("u1", ViewersID)
	assert.True(t, ok)
	assert.True(t, access)
}

func TestCheckDoesNotCacheFilterFailure(t *testing.T) {
	u := newFakeUsers(user("u1", "x", withPoints(500)))
	groups := []Group{{ID: groupA, Name: "A", Order: 1, Filters: []Filter{{Comparator: Greater, Type: "karma", Value: "1"}}}}
	cache := NewCache()
	r := newResolver(u, groups, WithCache(cache))

	assert.False(t, r.Check(context.Background(), "u1", groupA))
	assert.Zero(t, cache.Len())
}

func TestCheckCachesDefinitiveDenial(t *testing.T) {
	u := newFakeUsers(user("u1", "viewer"))
	cache := NewCache()
	r := newResolver(u, DefaultGroups(), WithCache(cache))

	assert.False(t, r.Check(context.Background(), "u1", ModeratorsID))
	access, ok := cache.Get("u1", ModeratorsID)
	assert.True(t, ok)
	assert.False(t, access)
}

func TestCheckIgnoresCallerCancellation(t *testing.T) {
	u := ctxUsers{newFakeUsers(user("u1", "viewer"))}
	cache := NewCache()
	r := newResolver(u, DefaultGroups(), WithCache(cache))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, r.Check(canceled, "u1", ViewersID))
	assert.True(t, r.Check(context.Background(), "u1", ViewersID))
	access, ok := cache.Get("u1", ViewersID)
	assert.True(t, ok)
	assert.True(t, access)
}
