package permissions

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/onnwee/chatbot/users"
)

// UserReader returns the current view of a user, pending changes included,
// without waiting for a flush in progress. The changelog satisfies it.
type UserReader interface {
	Snapshot(ctx context.Context, userID string) (*users.Record, error)
}

// RankProvider names the rank a user currently holds ("" for none).
type RankProvider interface {
	CurrentRank(ctx context.Context, rec *users.Record) (string, error)
}

// LevelProvider computes a user's level.
type LevelProvider interface {
	LevelOf(ctx context.Context, rec *users.Record) (int, error)
}

// Exchanger converts currency amounts.
type Exchanger interface {
	Exchange(amount float64, from, to string) (float64, error)
}

// AttributeProvider reads user attributes as they are right now: durable
// state plus pending changelog entries.
type AttributeProvider struct {
	users        UserReader
	ranks        RankProvider
	levels       LevelProvider
	rates        Exchanger
	mainCurrency string
}

// AttributeConfig wires the external collaborators. Nil Ranks and Levels
// fall back to WatchedRanks without thresholds and DefaultXPLevels; a nil
// Exchanger makes tips in a foreign currency fail closed.
type AttributeConfig struct {
	Ranks        RankProvider
	Levels       LevelProvider
	Rates        Exchanger
	MainCurrency string
}

func NewAttributeProvider(u UserReader, cfg AttributeConfig) *AttributeProvider {
	p := &AttributeProvider{
		users:        u,
		ranks:        cfg.Ranks,
		levels:       cfg.Levels,
		rates:        cfg.Rates,
		mainCurrency: cfg.MainCurrency,
	}
	if p.ranks == nil {
		p.ranks = NewWatchedRanks(nil)
	}
	if p.levels == nil {
		p.levels = DefaultXPLevels()
	}
	if p.mainCurrency == "" {
		p.mainCurrency = "USD"
	}
	return p
}

// Record returns the user's current record; an unknown user reads as a
// default record.
func (p *AttributeProvider) Record(ctx context.Context, userID string) (*users.Record, error) {
	rec, err := p.users.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = users.NewRecord(userID)
	}
	return rec, nil
}

// Attribute returns one numeric attribute of userID.
func (p *AttributeProvider) Attribute(ctx context.Context, userID string, t AttributeType) (float64, error) {
	rec, err := p.Record(ctx, userID)
	if err != nil {
		return 0, err
	}
	return p.Value(ctx, rec, t)
}

// Rank returns the rank name userID currently holds.
func (p *AttributeProvider) Rank(ctx context.Context, userID string) (string, error) {
	rec, err := p.Record(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.ranks.CurrentRank(ctx, rec)
}

// Value extracts a numeric attribute from rec.
func (p *AttributeProvider) Value(ctx context.Context, rec *users.Record, t AttributeType) (float64, error) {
	switch t {
	case AttrPoints:
		return float64(rec.Points), nil
	case AttrWatched:
		return float64(rec.WatchedTime), nil
	case AttrMessages:
		return float64(rec.Messages), nil
	case AttrBits:
		var sum int64
		for _, b := range rec.Bits {
			sum += b.Amount
		}
		return float64(sum), nil
	case AttrTips:
		return p.tipsTotal(rec)
	case AttrSubTier:
		return float64(users.TierValue(rec.SubscribeTier)), nil
	case AttrSubCumulativeMonths:
		return float64(rec.SubscribeCumulativeMonths), nil
	case AttrSubStreakMonths:
		return float64(rec.SubscribeStreak), nil
	case AttrLevel:
		lvl, err := p.levels.LevelOf(ctx, rec)
		if err != nil {
			return 0, fmt.Errorf("level of %s: %w", rec.UserID, err)
		}
		return float64(lvl), nil
	default:
		return 0, fmt.Errorf("%w: attribute %q is not numeric", ErrInvalidFilter, t)
	}
}

func (p *AttributeProvider) tipsTotal(rec *users.Record) (float64, error) {
	var sum float64
	for _, tip := range rec.Tips {
		if tip.Currency == "" || tip.Currency == p.mainCurrency {
			sum += tip.Amount
			continue
		}
		if p.rates == nil {
			return 0, fmt.Errorf("tip %s in %s: no exchange rates configured", tip.ID, tip.Currency)
		}
		v, err := p.rates.Exchange(tip.Amount, tip.Currency, p.mainCurrency)
		if err != nil {
			return 0, fmt.Errorf("exchange tip %s: %w", tip.ID, err)
		}
		sum += v
	}
	return sum, nil
}

// Rank is a named threshold of watched hours.
type Rank struct {
	Name         string `json:"name" yaml:"name"`
	HoursWatched int64  `json:"hoursWatched" yaml:"hoursWatched"`
}

// WatchedRanks assigns the highest rank whose watched-hours threshold the
// user has reached.
type WatchedRanks struct {
	ranks []Rank
}

func NewWatchedRanks(ranks []Rank) *WatchedRanks {
	sorted := slices.Clone(ranks)
	slices.SortStableFunc(sorted, func(a, b Rank) int { return cmp.Compare(a.HoursWatched, b.HoursWatched) })
	return &WatchedRanks{ranks: sorted}
}

func (w *WatchedRanks) CurrentRank(_ context.Context, rec *users.Record) (string, error) {
	hours := rec.WatchedTime / int64(3600*1000)
	current := ""
	for _, r := range w.ranks {
		if hours < r.HoursWatched {
			break
		}
		current = r.Name
	}
	return current, nil
}

// XPLevels derives a level from experience on a geometric curve: reaching
// level 1 costs Base xp and every following level costs Factor times more.
// Experience is read from Extra "levels.xp" when present, else points.
type XPLevels struct {
	Base   float64
	Factor float64
}

const maxLevel = 1000

func DefaultXPLevels() XPLevels { return XPLevels{Base: 100, Factor: 1.5} }

func (x XPLevels) LevelOf(_ context.Context, rec *users.Record) (int, error) {
	if x.Base <= 0 || x.Factor < 1 {
		return 0, fmt.Errorf("xp levels: invalid curve base=%v factor=%v", x.Base, x.Factor)
	}
	xp := float64(rec.Points)
	if lv, ok := rec.Extra["levels"].(map[string]any); ok {
		switch v := lv["xp"].(type) {
		case float64:
			xp = v
		case int64:
			xp = float64(v)
		case int:
			xp = float64(v)
		}
	}
	level := 0
	cost := x.Base
	for xp >= cost && level < maxLevel && !math.IsInf(cost, 0) {
		xp -= cost
		level++
		cost *= x.Factor
	}
	return level, nil
}
