package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/onnwee/chatbot/users"
)

// UserStore persists user records in Postgres. It implements users.Store.
type UserStore struct {
	DB *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore { return &UserStore{DB: db} }

const userColumns = `user_id, username, display_name, profile_image_url,
	is_online, is_vip, is_follower, is_moderator, is_subscriber,
	have_subscriber_lock, have_follower_lock, have_subscribed_at_lock, have_followed_at_lock,
	watched_time, points, messages, chat_time_online, chat_time_offline,
	followed_at, subscribed_at, seen_at, created_at, follow_check_at,
	points_online_given_at, points_offline_given_at, points_by_message_given_at,
	subscribe_tier, subscribe_cumulative_months, subscribe_streak, gifted_subscribes, extra`

// FindUser loads a user with its tips and bits; nil, nil when absent.
func (s *UserStore) FindUser(ctx context.Context, userID string) (*users.Record, error) {
	var (
		rec   users.Record
		times [8]sql.NullTime
		extra []byte
	)
	err := s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID).Scan(
		&rec.UserID, &rec.Username, &rec.DisplayName, &rec.ProfileImageURL,
		&rec.IsOnline, &rec.IsVIP, &rec.IsFollower, &rec.IsModerator, &rec.IsSubscriber,
		&rec.HaveSubscriberLock, &rec.HaveFollowerLock, &rec.HaveSubscribedAtLock, &rec.HaveFollowedAtLock,
		&rec.WatchedTime, &rec.Points, &rec.Messages, &rec.ChatTimeOnline, &rec.ChatTimeOffline,
		&times[0], &times[1], &times[2], &times[3], &times[4], &times[5], &times[6], &times[7],
		&rec.SubscribeTier, &rec.SubscribeCumulativeMonths, &rec.SubscribeStreak, &rec.GiftedSubscribes, &extra,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user %s: %w", userID, err)
	}
	rec.FollowedAt = fromNullTime(times[0])
	rec.SubscribedAt = fromNullTime(times[1])
	rec.SeenAt = fromNullTime(times[2])
	rec.CreatedAt = fromNullTime(times[3])
	rec.FollowCheckAt = fromNullTime(times[4])
	rec.PointsOnlineGivenAt = fromNullTime(times[5])
	rec.PointsOfflineGivenAt = fromNullTime(times[6])
	rec.PointsByMessageGivenAt = fromNullTime(times[7])

	rec.Extra = map[string]any{}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &rec.Extra); err != nil {
			return nil, fmt.Errorf("decode extra for %s: %w", userID, err)
		}
	}

	if rec.Tips, err = s.tips(ctx, userID); err != nil {
		return nil, err
	}
	if rec.Bits, err = s.bits(ctx, userID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *UserStore) tips(ctx context.Context, userID string) ([]users.Tip, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, amount, currency, message, tipped_at FROM user_tips WHERE user_id = $1 ORDER BY tipped_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("select tips for %s: %w", userID, err)
	}
	defer rows.Close()
	var out []users.Tip
	for rows.Next() {
		var (
			t  users.Tip
			at sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Amount, &t.Currency, &t.Message, &at); err != nil {
			return nil, fmt.Errorf("scan tip: %w", err)
		}
		t.Timestamp = fromNullTime(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *UserStore) bits(ctx context.Context, userID string) ([]users.Bit, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, amount, message, cheered_at FROM user_bits WHERE user_id = $1 ORDER BY cheered_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("select bits for %s: %w", userID, err)
	}
	defer rows.Close()
	var out []users.Bit
	for rows.Next() {
		var (
			b  users.Bit
			at sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.Amount, &b.Message, &at); err != nil {
			return nil, fmt.Errorf("scan bit: %w", err)
		}
		b.Timestamp = fromNullTime(at)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveUser upserts the user row and inserts any tips/bits not yet stored,
// all in one transaction.
func (s *UserStore) SaveUser(ctx context.Context, rec *users.Record) (*users.Record, error) {
	if rec == nil || rec.UserID == "" {
		return nil, errors.New("save user: missing user id")
	}
	out := rec.Clone()
	for i := range out.Tips {
		if out.Tips[i].ID == "" {
			out.Tips[i].ID = uuid.NewString()
		}
	}
	for i := range out.Bits {
		if out.Bits[i].ID == "" {
			out.Bits[i].ID = uuid.NewString()
		}
	}
	extra := out.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encode extra for %s: %w", rec.UserID, err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := `INSERT INTO users(` + userColumns + `, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,NOW())
		ON CONFLICT(user_id) DO UPDATE SET
			username=EXCLUDED.username,
			display_name=EXCLUDED.display_name,
			profile_image_url=EXCLUDED.profile_image_url,
			is_online=EXCLUDED.is_online,
			is_vip=EXCLUDED.is_vip,
			is_follower=EXCLUDED.is_follower,
			is_moderator=EXCLUDED.is_moderator,
			is_subscriber=EXCLUDED.is_subscriber,
			have_subscriber_lock=EXCLUDED.have_subscriber_lock,
			have_follower_lock=EXCLUDED.have_follower_lock,
			have_subscribed_at_lock=EXCLUDED.have_subscribed_at_lock,
			have_followed_at_lock=EXCLUDED.have_followed_at_lock,
			watched_time=EXCLUDED.watched_time,
			points=EXCLUDED.points,
			messages=EXCLUDED.messages,
			chat_time_online=EXCLUDED.chat_time_online,
			chat_time_offline=EXCLUDED.chat_time_offline,
			followed_at=EXCLUDED.followed_at,
			subscribed_at=EXCLUDED.subscribed_at,
			seen_at=EXCLUDED.seen_at,
			created_at=COALESCE(users.created_at, EXCLUDED.created_at),
			follow_check_at=EXCLUDED.follow_check_at,
			points_online_given_at=EXCLUDED.points_online_given_at,
			points_offline_given_at=EXCLUDED.points_offline_given_at,
			points_by_message_given_at=EXCLUDED.points_by_message_given_at,
			subscribe_tier=EXCLUDED.subscribe_tier,
			subscribe_cumulative_months=EXCLUDED.subscribe_cumulative_months,
			subscribe_streak=EXCLUDED.subscribe_streak,
			gifted_subscribes=EXCLUDED.gifted_subscribes,
			extra=EXCLUDED.extra,
			updated_at=NOW()`
	_, err = tx.ExecContext(ctx, q,
		out.UserID, out.Username, out.DisplayName, out.ProfileImageURL,
		out.IsOnline, out.IsVIP, out.IsFollower, out.IsModerator, out.IsSubscriber,
		out.HaveSubscriberLock, out.HaveFollowerLock, out.HaveSubscribedAtLock, out.HaveFollowedAtLock,
		out.WatchedTime, out.Points, out.Messages, out.ChatTimeOnline, out.ChatTimeOffline,
		nullTime(out.FollowedAt), nullTime(out.SubscribedAt), nullTime(out.SeenAt), nullTime(out.CreatedAt),
		nullTime(out.FollowCheckAt), nullTime(out.PointsOnlineGivenAt), nullTime(out.PointsOfflineGivenAt),
		nullTime(out.PointsByMessageGivenAt),
		out.SubscribeTier, out.SubscribeCumulativeMonths, out.SubscribeStreak, out.GiftedSubscribes, string(extraJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", out.UserID, err)
	}

	for _, t := range out.Tips {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_tips(id, user_id, amount, currency, message, tipped_at) VALUES($1,$2,$3,$4,$5,$6)
			 ON CONFLICT(id) DO NOTHING`,
			t.ID, out.UserID, t.Amount, t.Currency, t.Message, nullTime(t.Timestamp)); err != nil {
			return nil, fmt.Errorf("insert tip %s: %w", t.ID, err)
		}
	}
	for _, b := range out.Bits {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_bits(id, user_id, amount, message, cheered_at) VALUES($1,$2,$3,$4,$5)
			 ON CONFLICT(id) DO NOTHING`,
			b.ID, out.UserID, b.Amount, b.Message, nullTime(b.Timestamp)); err != nil {
			return nil, fmt.Errorf("insert bit %s: %w", b.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit user %s: %w", out.UserID, err)
	}
	return out, nil
}
