package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/onnwee/chatbot/permissions"
)

// PermissionStore reads and seeds permission groups. It satisfies
// permissions.GroupSource and permissions.GroupWriter.
type PermissionStore struct {
	DB *sql.DB
}

func NewPermissionStore(db *sql.DB) *PermissionStore { return &PermissionStore{DB: db} }

// ListPermissionGroups returns every group ordered by sort order.
func (s *PermissionStore) ListPermissionGroups(ctx context.Context) ([]permissions.Group, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, sort_order, is_core, is_waterfall_allowed, automation,
		user_ids, exclude_user_ids, filters FROM permissions ORDER BY sort_order, id`)
	if err != nil {
		return nil, fmt.Errorf("select permissions: %w", err)
	}
	defer rows.Close()

	var out []permissions.Group
	for rows.Next() {
		var (
			g                      permissions.Group
			automation             string
			userIDs, excl, filters []byte
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.Order, &g.IsCorePermission, &g.IsWaterfallAllowed, &automation,
			&userIDs, &excl, &filters); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		g.Automation = permissions.Automation(automation)
		if err := decodeJSON(userIDs, &g.UserIDs); err != nil {
			return nil, fmt.Errorf("permission %s user_ids: %w", g.ID, err)
		}
		if err := decodeJSON(excl, &g.ExcludeUserIDs); err != nil {
			return nil, fmt.Errorf("permission %s exclude_user_ids: %w", g.ID, err)
		}
		if err := decodeJSON(filters, &g.Filters); err != nil {
			return nil, fmt.Errorf("permission %s filters: %w", g.ID, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpsertPermissionGroup inserts or replaces a group definition.
func (s *PermissionStore) UpsertPermissionGroup(ctx context.Context, g permissions.Group) error {
	userIDs, err := encodeJSON(g.UserIDs)
	if err != nil {
		return err
	}
	excl, err := encodeJSON(g.ExcludeUserIDs)
	if err != nil {
		return err
	}
	filters, err := encodeJSON(g.Filters)
	if err != nil {
		return err
	}
	automation := g.Automation
	if automation == "" {
		automation = permissions.AutomationNone
	}
	q := `INSERT INTO permissions(id, name, sort_order, is_core, is_waterfall_allowed, automation, user_ids, exclude_user_ids, filters, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		  ON CONFLICT(id) DO UPDATE SET
		    name=EXCLUDED.name,
		    sort_order=EXCLUDED.sort_order,
		    is_core=EXCLUDED.is_core,
		    is_waterfall_allowed=EXCLUDED.is_waterfall_allowed,
		    automation=EXCLUDED.automation,
		    user_ids=EXCLUDED.user_ids,
		    exclude_user_ids=EXCLUDED.exclude_user_ids,
		    filters=EXCLUDED.filters,
		    updated_at=NOW()`
	_, err = s.DB.ExecContext(ctx, q, g.ID, g.Name, g.Order, g.IsCorePermission, g.IsWaterfallAllowed,
		string(automation), userIDs, excl, filters)
	if err != nil {
		return fmt.Errorf("upsert permission %s: %w", g.ID, err)
	}
	return nil
}

// RankStore loads watched-time rank thresholds.
type RankStore struct {
	DB *sql.DB
}

func NewRankStore(db *sql.DB) *RankStore { return &RankStore{DB: db} }

// ListRanks returns all ranks ordered by threshold.
func (s *RankStore) ListRanks(ctx context.Context) ([]permissions.Rank, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT name, hours_watched FROM ranks ORDER BY hours_watched, name`)
	if err != nil {
		return nil, fmt.Errorf("select ranks: %w", err)
	}
	defer rows.Close()
	var out []permissions.Rank
	for rows.Next() {
		var r permissions.Rank
		if err := rows.Scan(&r.Name, &r.HoursWatched); err != nil {
			return nil, fmt.Errorf("scan rank: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRank stores a rank threshold.
func (s *RankStore) UpsertRank(ctx context.Context, r permissions.Rank) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO ranks(name, hours_watched) VALUES($1,$2) ON CONFLICT(name) DO UPDATE SET hours_watched=EXCLUDED.hours_watched`,
		r.Name, r.HoursWatched)
	return err
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
