package store

import (
	"fmt"
	"strings"

	"github.com/Limit-LAB/limit-server/internal/config"
)

// schemaStatements returns the idempotent DDL set. Identifier quoting
// varies by driver ("user" collides with a Postgres keyword, "text"
// with a type name), and key columns are VARCHAR so MySQL can index
// them.
func schemaStatements(driver string) []string {
	user := quoteIdent(driver, "user")
	text := quoteIdent(driver, "text")
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			pubkey TEXT NOT NULL,
			sharedkey TEXT NOT NULL
		)`, user),
		`CREATE TABLE IF NOT EXISTS user_login_passcode (
			id VARCHAR(64) PRIMARY KEY,
			passcode TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_privacy_settings (
			id VARCHAR(64) PRIMARY KEY,
			avatar TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			joined_groups TEXT NOT NULL,
			forwards TEXT NOT NULL,
			jwt_expiration BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_profile (
			id VARCHAR(64) PRIMARY KEY,
			name TEXT NOT NULL,
			username TEXT NOT NULL,
			bio TEXT,
			avatar TEXT,
			last_seen TEXT,
			last_modified TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS event (
			id VARCHAR(64) PRIMARY KEY,
			ts BIGINT NOT NULL,
			sender VARCHAR(64) NOT NULL,
			event_type VARCHAR(32) NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS message (
			event_id VARCHAR(64) PRIMARY KEY,
			receiver_id VARCHAR(64) NOT NULL,
			receiver_server TEXT NOT NULL,
			%s TEXT NOT NULL,
			extensions TEXT NOT NULL
		)`, text),
		`CREATE TABLE IF NOT EXISTS event_subscriptions (
			user_id VARCHAR(64) NOT NULL,
			subscribed_to VARCHAR(64) NOT NULL,
			channel_type VARCHAR(32) NOT NULL,
			PRIMARY KEY (user_id, subscribed_to, channel_type)
		)`,
	}
}

// statements holds the per-driver SQL texts, built once at Open.
type statements struct {
	getAuthBundle      string
	upsertPasscode     string
	listSubscriptions  string
	insertSubscription string
	insertUser         string
	upsertPrivacy      string
	upsertProfile      string
	getProfile         string
	insertEvent        string
	insertMessage      string

	// rangeEvents is indexed by [from.Kind][to.Kind].
	rangeEvents [2][2]string
}

// upsert renders an insert-or-overwrite for the driver's dialect.
// MySQL reports changed rather than matched rows, so the portable
// update-then-insert two-step is not idempotent there; native upserts
// are.
func upsert(driver, table string, keyCol string, cols []string) string {
	placeholders := strings.TrimRight(strings.Repeat("?, ", len(cols)+1), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s)",
		table, keyCol, strings.Join(cols, ", "), placeholders)

	var sets []string
	if driver == config.DriverMysql {
		for _, c := range cols {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	for _, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return insert + fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET ", keyCol) + strings.Join(sets, ", ")
}

func buildStatements(driver string) statements {
	user := quoteIdent(driver, "user")
	text := quoteIdent(driver, "text")

	st := statements{
		getAuthBundle: fmt.Sprintf(`SELECT u.sharedkey, p.passcode, s.jwt_expiration
			FROM %s u
			JOIN user_privacy_settings s ON s.id = u.id
			JOIN user_login_passcode p ON p.id = u.id
			WHERE u.id = ?`, user),
		upsertPasscode: upsert(driver, "user_login_passcode", "id", []string{"passcode"}),
		listSubscriptions: `SELECT subscribed_to, channel_type
			FROM event_subscriptions WHERE user_id = ?`,
		insertSubscription: `INSERT INTO event_subscriptions (user_id, subscribed_to, channel_type)
			VALUES (?, ?, ?)`,
		insertUser: fmt.Sprintf(`INSERT INTO %s (id, pubkey, sharedkey) VALUES (?, ?, ?)`, user),
		upsertPrivacy: upsert(driver, "user_privacy_settings", "id",
			[]string{"avatar", "last_seen", "joined_groups", "forwards", "jwt_expiration"}),
		upsertProfile: upsert(driver, "user_profile", "id",
			[]string{"name", "username", "bio", "avatar", "last_seen", "last_modified"}),
		getProfile: `SELECT id, name, username, bio, avatar, last_seen, last_modified
			FROM user_profile WHERE id = ?`,
		insertEvent: `INSERT INTO event (id, ts, sender, event_type) VALUES (?, ?, ?, ?)`,
		insertMessage: fmt.Sprintf(`INSERT INTO message (event_id, receiver_id, receiver_server, %s, extensions)
			VALUES (?, ?, ?, ?, ?)`, text),
	}

	rangeBase := fmt.Sprintf(`SELECT e.id, e.ts, e.sender, e.event_type,
			m.event_id, m.receiver_id, m.receiver_server, m.%s, m.extensions
		FROM event e
		JOIN message m ON m.event_id = e.id
		JOIN event_subscriptions s ON s.subscribed_to = m.receiver_id
		WHERE s.user_id = ?
		  AND s.channel_type = 'message'
		  AND %%s AND %%s
		ORDER BY e.id DESC
		LIMIT ?`, text)

	bounds := [2]struct{ lower, upper string }{
		ByID:        {"e.id > ?", "e.id <= ?"},
		ByTimestamp: {"e.ts > ?", "e.ts <= ?"},
	}
	for from := range bounds {
		for to := range bounds {
			st.rangeEvents[from][to] = fmt.Sprintf(rangeBase, bounds[from].lower, bounds[to].upper)
		}
	}

	for _, q := range []*string{
		&st.getAuthBundle, &st.upsertPasscode,
		&st.listSubscriptions, &st.insertSubscription, &st.insertUser,
		&st.upsertPrivacy, &st.upsertProfile, &st.getProfile,
		&st.insertEvent, &st.insertMessage,
		&st.rangeEvents[ByID][ByID], &st.rangeEvents[ByID][ByTimestamp],
		&st.rangeEvents[ByTimestamp][ByID], &st.rangeEvents[ByTimestamp][ByTimestamp],
	} {
		*q = rebind(driver, *q)
	}
	return st
}
