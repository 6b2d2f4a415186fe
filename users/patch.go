package users

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patch is an explicit partial update of a Record. A nil field is left
// untouched. The same Patch type is used for set and increment entries; the
// changelog decides which merge rule applies.
type Patch struct {
	Username        *string
	DisplayName     *string
	ProfileImageURL *string

	IsOnline     *bool
	IsVIP        *bool
	IsFollower   *bool
	IsModerator  *bool
	IsSubscriber *bool

	HaveSubscriberLock   *bool
	HaveFollowerLock     *bool
	HaveSubscribedAtLock *bool
	HaveFollowedAtLock   *bool

	WatchedTime     *int64
	Points          *int64
	Messages        *int64
	ChatTimeOnline  *int64
	ChatTimeOffline *int64

	FollowedAt             *time.Time
	SubscribedAt           *time.Time
	SeenAt                 *time.Time
	CreatedAt              *time.Time
	FollowCheckAt          *time.Time
	PointsOnlineGivenAt    *time.Time
	PointsOfflineGivenAt   *time.Time
	PointsByMessageGivenAt *time.Time

	SubscribeTier             *string
	SubscribeCumulativeMonths *int64
	SubscribeStreak           *int64
	GiftedSubscribes          *int64

	// Extra is merged into Record.Extra. Keys may be dot-paths
	// ("levels.xp") or nested maps; both address the same leaf.
	Extra map[string]any

	AddTips []Tip
	AddBits []Bit

	// Automated marks updates coming from the platform (chat badges,
	// follow/sub events). They never override a locked flag or timestamp.
	Automated bool
}

// Clone copies the patch so later changes to the caller's Extra map or
// tip/bit slices cannot leak into a queued entry. Tips and bits without an
// id get one here, so every retry of the same entry saves the same rows.
func (p Patch) Clone() Patch {
	out := p
	if p.Extra != nil {
		out.Extra = expandPaths(p.Extra)
	}
	if p.AddTips != nil {
		out.AddTips = append([]Tip(nil), p.AddTips...)
		for i := range out.AddTips {
			if out.AddTips[i].ID == "" {
				out.AddTips[i].ID = uuid.NewString()
			}
		}
	}
	if p.AddBits != nil {
		out.AddBits = append([]Bit(nil), p.AddBits...)
		for i := range out.AddBits {
			if out.AddBits[i].ID == "" {
				out.AddBits[i].ID = uuid.NewString()
			}
		}
	}
	return out
}

// Ptr returns a pointer to v. Handy for building patches inline.
func Ptr[T any](v T) *T { return &v }

// Apply merges p into r with set semantics: every non-nil field overwrites,
// Extra is deep-merged, and tips/bits are appended.
func (r *Record) Apply(p Patch) {
	set(&r.Username, p.Username)
	set(&r.DisplayName, p.DisplayName)
	set(&r.ProfileImageURL, p.ProfileImageURL)

	set(&r.HaveSubscriberLock, p.HaveSubscriberLock)
	set(&r.HaveFollowerLock, p.HaveFollowerLock)
	set(&r.HaveSubscribedAtLock, p.HaveSubscribedAtLock)
	set(&r.HaveFollowedAtLock, p.HaveFollowedAtLock)

	set(&r.IsOnline, p.IsOnline)
	set(&r.IsVIP, p.IsVIP)
	set(&r.IsModerator, p.IsModerator)
	if !(p.Automated && r.HaveSubscriberLock) {
		set(&r.IsSubscriber, p.IsSubscriber)
	}
	if !(p.Automated && r.HaveFollowerLock) {
		set(&r.IsFollower, p.IsFollower)
	}
	if !(p.Automated && r.HaveSubscribedAtLock) {
		set(&r.SubscribedAt, p.SubscribedAt)
	}
	if !(p.Automated && r.HaveFollowedAtLock) {
		set(&r.FollowedAt, p.FollowedAt)
	}

	set(&r.WatchedTime, p.WatchedTime)
	set(&r.Points, p.Points)
	set(&r.Messages, p.Messages)
	set(&r.ChatTimeOnline, p.ChatTimeOnline)
	set(&r.ChatTimeOffline, p.ChatTimeOffline)

	set(&r.SeenAt, p.SeenAt)
	set(&r.CreatedAt, p.CreatedAt)
	set(&r.FollowCheckAt, p.FollowCheckAt)
	set(&r.PointsOnlineGivenAt, p.PointsOnlineGivenAt)
	set(&r.PointsOfflineGivenAt, p.PointsOfflineGivenAt)
	set(&r.PointsByMessageGivenAt, p.PointsByMessageGivenAt)

	set(&r.SubscribeTier, p.SubscribeTier)
	set(&r.SubscribeCumulativeMonths, p.SubscribeCumulativeMonths)
	set(&r.SubscribeStreak, p.SubscribeStreak)
	set(&r.GiftedSubscribes, p.GiftedSubscribes)

	if len(p.Extra) > 0 {
		if r.Extra == nil {
			r.Extra = map[string]any{}
		}
		mergeExtra(r.Extra, expandPaths(p.Extra))
	}
	r.Tips = append(r.Tips, p.AddTips...)
	r.Bits = append(r.Bits, p.AddBits...)
}

// Add merges p into r with increment semantics: numeric fields are summed,
// numeric Extra leaves are summed path by path, everything else is ignored.
func (r *Record) Add(p Patch) {
	add(&r.WatchedTime, p.WatchedTime)
	add(&r.Points, p.Points)
	add(&r.Messages, p.Messages)
	add(&r.ChatTimeOnline, p.ChatTimeOnline)
	add(&r.ChatTimeOffline, p.ChatTimeOffline)
	add(&r.SubscribeCumulativeMonths, p.SubscribeCumulativeMonths)
	add(&r.SubscribeStreak, p.SubscribeStreak)
	add(&r.GiftedSubscribes, p.GiftedSubscribes)

	if len(p.Extra) > 0 {
		if r.Extra == nil {
			r.Extra = map[string]any{}
		}
		addExtra(r.Extra, expandPaths(p.Extra))
	}
}

// SetExtra builds a set patch for a single Extra leaf addressed by dot-path.
func SetExtra(path string, value any) Patch {
	return Patch{Extra: expandPaths(map[string]any{path: value})}
}

// IncExtra builds an increment patch for a single numeric Extra leaf.
func IncExtra(path string, delta float64) Patch {
	return Patch{Extra: expandPaths(map[string]any{path: delta})}
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func add(dst *int64, v *int64) {
	if v != nil {
		*dst += *v
	}
}

// expandPaths turns {"a.b": 1, "a": {"c": 2}} into {"a": {"b": 1, "c": 2}}.
// Shorter paths are applied first, so when a leaf and a deeper path collide
// ({"a": 7, "a.b": 1}) the deeper path wins.
func expandPaths(in map[string]any) map[string]any {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		di, dj := strings.Count(keys[i], "."), strings.Count(keys[j], ".")
		if di != dj {
			return di < dj
		}
		return keys[i] < keys[j]
	})
	out := map[string]any{}
	for _, k := range keys {
		v := in[k]
		if m, ok := v.(map[string]any); ok {
			v = expandPaths(m)
		}
		parts := strings.Split(k, ".")
		cur := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := cur[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[part] = next
			}
			cur = next
		}
		leaf := parts[len(parts)-1]
		if m, ok := v.(map[string]any); ok {
			if existing, ok := cur[leaf].(map[string]any); ok {
				mergeExtra(existing, m)
				continue
			}
		}
		cur[leaf] = v
	}
	return out
}

func mergeExtra(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeExtra(dm, sm)
				continue
			}
			dst[k] = cloneMap(sm)
			continue
		}
		dst[k] = v
	}
}

func addExtra(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			dm, exists := dst[k].(map[string]any)
			if !exists {
				if _, occupied := dst[k]; occupied {
					continue
				}
				dm = map[string]any{}
				dst[k] = dm
			}
			addExtra(dm, sm)
			continue
		}
		delta, ok := toFloat(v)
		if !ok {
			continue
		}
		cur, exists := dst[k]
		if !exists {
			dst[k] = delta
			continue
		}
		base, ok := toFloat(cur)
		if !ok {
			continue
		}
		dst[k] = base + delta
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]any); ok {
			out[k] = cloneMap(m)
			continue
		}
		out[k] = v
	}
	return out
}
