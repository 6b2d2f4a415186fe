// Package users defines the durable viewer record, the typed patch used to
// mutate it, and the storage contract the changelog persists through.
package users

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is the durable per-viewer state keyed by the platform user id.
type Record struct {
	UserID          string
	Username        string
	DisplayName     string
	ProfileImageURL string

	IsOnline     bool
	IsVIP        bool
	IsFollower   bool
	IsModerator  bool
	IsSubscriber bool

	// Manual overrides: while set, automated updates of the guarded
	// flag/timestamp are dropped.
	HaveSubscriberLock   bool
	HaveFollowerLock     bool
	HaveSubscribedAtLock bool
	HaveFollowedAtLock   bool

	WatchedTime     int64 // ms
	Points          int64
	Messages        int64
	ChatTimeOnline  int64 // ms
	ChatTimeOffline int64 // ms

	FollowedAt             time.Time
	SubscribedAt           time.Time
	SeenAt                 time.Time
	CreatedAt              time.Time
	FollowCheckAt          time.Time
	PointsOnlineGivenAt    time.Time
	PointsOfflineGivenAt   time.Time
	PointsByMessageGivenAt time.Time

	SubscribeTier             string
	SubscribeCumulativeMonths int64
	SubscribeStreak           int64
	GiftedSubscribes          int64

	Extra map[string]any

	Tips []Tip
	Bits []Bit
}

// Tip is a donation owned by a Record.
type Tip struct {
	ID        string
	Amount    float64
	Currency  string
	Message   string
	Timestamp time.Time
}

// Bit is a cheer owned by a Record.
type Bit struct {
	ID        string
	Amount    int64
	Message   string
	Timestamp time.Time
}

// NewTip returns a tip with a fresh id so repeated saves stay idempotent.
func NewTip(amount float64, currency, message string, at time.Time) Tip {
	return Tip{ID: uuid.NewString(), Amount: amount, Currency: currency, Message: message, Timestamp: at}
}

// NewBit returns a cheer with a fresh id.
func NewBit(amount int64, message string, at time.Time) Bit {
	return Bit{ID: uuid.NewString(), Amount: amount, Message: message, Timestamp: at}
}

// NewRecord returns a default-valued record for a previously unseen user.
func NewRecord(userID string) *Record {
	return &Record{
		UserID:        userID,
		SubscribeTier: "0",
		Extra:         map[string]any{},
	}
}

// Clone returns a deep copy so callers never share Extra or child slices.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Extra = cloneMap(r.Extra)
	if r.Tips != nil {
		out.Tips = append([]Tip(nil), r.Tips...)
	}
	if r.Bits != nil {
		out.Bits = append([]Bit(nil), r.Bits...)
	}
	return &out
}

// TierValue maps a subscription tier descriptor to its numeric level.
// "Prime" counts as tier 0; Helix style "1000"/"2000"/"3000" are accepted.
func TierValue(tier string) int {
	t := strings.TrimSpace(tier)
	if strings.EqualFold(t, "prime") || t == "" {
		return 0
	}
	n, err := strconv.Atoi(t)
	if err != nil || n < 0 {
		return 0
	}
	if n >= 1000 {
		return n / 1000
	}
	return n
}
