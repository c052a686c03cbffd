package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User holds the long-term key material created at registration.
type User struct {
	ID        string
	Pubkey    string
	Sharedkey string
}

// AuthBundle is everything DoAuth needs for one user: the shared key,
// the expected plaintext passcode, and the session-token lifetime in
// seconds.
type AuthBundle struct {
	SharedKey     string
	Passcode      string
	JWTExpiration int64
}

// Subscription declares a user's interest in a channel.
type Subscription struct {
	UserID       string
	SubscribedTo string
	ChannelType  string
}

// ChannelName renders the pub/sub channel this subscription covers.
func (s Subscription) ChannelName() string {
	return s.ChannelType + ":" + s.SubscribedTo
}

// PrivacySettings carries the per-user policy row. The core reads only
// JWTExpiration.
type PrivacySettings struct {
	ID            string
	Avatar        string
	LastSeen      string
	JoinedGroups  string
	Forwards      string
	JWTExpiration int64
}

// Profile holds the user's display fields. Optional columns are nil
// when unset.
type Profile struct {
	ID           string
	Name         string
	Username     string
	Bio          *string
	Avatar       *string
	LastSeen     *string
	LastModified *string
}

// CreateUser inserts the key-material row.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	defer s.observe("insert_user", time.Now())
	if _, err := s.db.ExecContext(ctx, s.stmts.insertUser, u.ID, u.Pubkey, u.Sharedkey); err != nil {
		return fmt.Errorf("insert user %s: %w", u.ID, err)
	}
	return nil
}

// GetAuthBundle loads the DoAuth credential join. ErrNotFound when the
// user is missing any of its three rows.
func (s *Store) GetAuthBundle(ctx context.Context, userID string) (AuthBundle, error) {
	defer s.observe("get_auth_bundle", time.Now())

	var b AuthBundle
	err := s.db.QueryRowContext(ctx, s.stmts.getAuthBundle, userID).
		Scan(&b.SharedKey, &b.Passcode, &b.JWTExpiration)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthBundle{}, ErrNotFound
	}
	if err != nil {
		return AuthBundle{}, fmt.Errorf("get auth bundle for %s: %w", userID, err)
	}
	return b, nil
}

// SetPasscode overwrites the expected passcode for userID, inserting the
// row if absent. Idempotent.
func (s *Store) SetPasscode(ctx context.Context, userID, passcode string) error {
	defer s.observe("set_passcode", time.Now())
	if _, err := s.db.ExecContext(ctx, s.stmts.upsertPasscode, userID, passcode); err != nil {
		return fmt.Errorf("set passcode for %s: %w", userID, err)
	}
	return nil
}

// ListSubscriptions returns userID's subscriptions; empty when none.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	defer s.observe("list_subscriptions", time.Now())

	rows, err := s.db.QueryContext(ctx, s.stmts.listSubscriptions, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", userID, err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub := Subscription{UserID: userID}
		if err := rows.Scan(&sub.SubscribedTo, &sub.ChannelType); err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", userID, err)
	}
	return subs, nil
}

// AddSubscription inserts one subscription row.
func (s *Store) AddSubscription(ctx context.Context, sub Subscription) error {
	defer s.observe("insert_subscription", time.Now())
	if _, err := s.db.ExecContext(ctx, s.stmts.insertSubscription,
		sub.UserID, sub.SubscribedTo, sub.ChannelType); err != nil {
		return fmt.Errorf("insert subscription %s -> %s: %w", sub.UserID, sub.SubscribedTo, err)
	}
	return nil
}

// SetPrivacySettings overwrites the policy row, inserting if absent.
func (s *Store) SetPrivacySettings(ctx context.Context, p PrivacySettings) error {
	defer s.observe("set_privacy_settings", time.Now())
	if _, err := s.db.ExecContext(ctx, s.stmts.upsertPrivacy,
		p.ID, p.Avatar, p.LastSeen, p.JoinedGroups, p.Forwards, p.JWTExpiration); err != nil {
		return fmt.Errorf("set privacy settings for %s: %w", p.ID, err)
	}
	return nil
}

// UpsertProfile overwrites the display row, inserting if absent.
func (s *Store) UpsertProfile(ctx context.Context, p Profile) error {
	defer s.observe("upsert_profile", time.Now())
	if _, err := s.db.ExecContext(ctx, s.stmts.upsertProfile,
		p.ID, p.Name, p.Username, p.Bio, p.Avatar, p.LastSeen, p.LastModified); err != nil {
		return fmt.Errorf("upsert profile for %s: %w", p.ID, err)
	}
	return nil
}

// GetProfile loads the display row. ErrNotFound when absent.
func (s *Store) GetProfile(ctx context.Context, userID string) (Profile, error) {
	defer s.observe("get_profile", time.Now())

	var p Profile
	err := s.db.QueryRowContext(ctx, s.stmts.getProfile, userID).
		Scan(&p.ID, &p.Name, &p.Username, &p.Bio, &p.Avatar, &p.LastSeen, &p.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile for %s: %w", userID, err)
	}
	return p, nil
}
