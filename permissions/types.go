// Package permissions resolves whether a viewer may use a protected action
// by walking an ordered waterfall of permission groups.
package permissions

import (
	"errors"
	"strings"
)

// Core group ids. They are stable across installs so stored permission
// references survive reseeding.
const (
	CastersID     = "4300ed23-dca0-4ed9-8014-f5f2f7af55a9"
	ModeratorsID  = "b38c5adb-e912-47e3-937a-89fabd12393a"
	SubscribersID = "e3b557e7-c26a-433c-a183-e56c11003ab7"
	VIPID         = "e8490e6e-81ea-400a-b93f-57f55aad8e31"
	FollowersID   = "c168a63b-aded-4a90-978f-ed357e95b0d2"
	// ViewersID is the catch-all target: resolving against it walks every group.
	ViewersID = "0efd7b1c-e460-4167-8e06-8aaf2c170311"
)

// ErrInvalidFilter marks a filter that cannot be evaluated. Such filters
// never pass.
var ErrInvalidFilter = errors.New("invalid permission filter")

// Automation is a built-in membership rule evaluated against platform flags.
type Automation string

const (
	AutomationNone        Automation = "none"
	AutomationCasters     Automation = "casters"
	AutomationModerators  Automation = "moderators"
	AutomationSubscribers Automation = "subscribers"
	AutomationViewers     Automation = "viewers"
	AutomationFollowers   Automation = "followers"
	AutomationVIP         Automation = "vip"
)

// AttributeType names the user attribute a filter compares.
type AttributeType string

const (
	AttrPoints              AttributeType = "points"
	AttrWatched             AttributeType = "watched"
	AttrTips                AttributeType = "tips"
	AttrBits                AttributeType = "bits"
	AttrMessages            AttributeType = "messages"
	AttrSubTier             AttributeType = "subtier"
	AttrSubCumulativeMonths AttributeType = "subcumulativemonths"
	AttrSubStreakMonths     AttributeType = "substreakmonths"
	AttrLevel               AttributeType = "level"
	AttrRanks               AttributeType = "ranks"
)

// Comparator is a filter's comparison operator.
type Comparator string

const (
	Less         Comparator = "<"
	Greater      Comparator = ">"
	Equal        Comparator = "=="
	LessEqual    Comparator = "<="
	GreaterEqual Comparator = ">="
)

// Filter is one gating condition of a group. Value is kept as text because
// the ranks filter compares names.
type Filter struct {
	Comparator Comparator    `json:"comparator" yaml:"comparator"`
	Type       AttributeType `json:"type" yaml:"type"`
	Value      string        `json:"value" yaml:"value"`
}

// Group is one step of the waterfall.
type Group struct {
	ID                 string     `json:"id" yaml:"id"`
	Name               string     `json:"name" yaml:"name"`
	Order              int        `json:"order" yaml:"order"`
	IsCorePermission   bool       `json:"isCorePermission" yaml:"isCorePermission"`
	IsWaterfallAllowed bool       `json:"isWaterfallAllowed" yaml:"isWaterfallAllowed"`
	Automation         Automation `json:"automation" yaml:"automation"`
	UserIDs            []string   `json:"userIds" yaml:"userIds"`
	ExcludeUserIDs     []string   `json:"excludeUserIds" yaml:"excludeUserIds"`
	Filters            []Filter   `json:"filters" yaml:"filters"`
}

// Decision is the outcome of a resolution. GroupID is empty on denial.
type Decision struct {
	Access  bool   `json:"access"`
	GroupID string `json:"groupId,omitempty"`
}

func (g Group) includes(userID string) bool { return containsID(g.UserIDs, userID) }
func (g Group) excludes(userID string) bool { return containsID(g.ExcludeUserIDs, userID) }

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// DefaultGroups returns the core waterfall seeded on a fresh install.
func DefaultGroups() []Group {
	core := func(id, name string, order int, a Automation) Group {
		return Group{
			ID:                 id,
			Name:               name,
			Order:              order,
			IsCorePermission:   true,
			IsWaterfallAllowed: true,
			Automation:         a,
		}
	}
	return []Group{
		core(CastersID, "Casters", 0, AutomationCasters),
		core(ModeratorsID, "Moderators", 1, AutomationModerators),
		core(SubscribersID, "Subscribers", 2, AutomationSubscribers),
		core(VIPID, "VIP", 3, AutomationVIP),
		core(FollowersID, "Followers", 4, AutomationFollowers),
		core(ViewersID, "Viewers", 5, AutomationViewers),
	}
}

func normalizeName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
