package store

import (
	"database/sql"
	"fmt"
	"time"
)

const cmdTimeFmt = "2006-01-02T15:04:05Z"

// Command is one row of the suggestion-history cache: a normalized command
// line seen in a given user/host/path scope, with a running count and
// recency-weighted score used to rank suggestions.
type Command struct {
	ID         int64
	Normalized string
	Acronym    string
	Score      float64
	Count      int
	StartedAt  time.Time
	User       *string
	Host       *string
	Path       *string
}

// decayFactor discounts every prior score on each new observation so that
// recently-run commands outrank ones that were common long ago.
const decayFactor = 0.98

// RecordCommand upserts an observation of normalized within the given
// user/host/path scope, bumping its count and score. acronym is derived by
// the caller (e.g. first letters of each word) so the suggester can match
// on it directly instead of recomputing it per query.
func (s *Store) RecordCommand(normalized, acronym string, startedAt time.Time, user, host, path *string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: record command: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE commands SET score = score * ? WHERE user IS ? AND host IS ? AND path IS ?`,
		decayFactor, user, host, path); err != nil {
		return fmt.Errorf("store: record command: decay: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO commands (normalized, acronym, score, count, started_at, user, host, path)
		VALUES (?, ?, 1, 1, ?, ?, ?, ?)
		ON CONFLICT(normalized, user, host, path) DO UPDATE SET
			score = score + 1,
			count = count + 1,
			started_at = excluded.started_at`,
		normalized, acronym, startedAt.UTC().Format(cmdTimeFmt), user, host, path)
	if err != nil {
		return fmt.Errorf("store: record command: upsert: %w", err)
	}
	return tx.Commit()
}

// Suggest returns up to limit commands from the given scope whose
// normalized text or acronym starts with prefix, ranked by score.
func (s *Store) Suggest(prefix string, user, host, path *string, limit int) ([]*Command, error) {
	rows, err := s.db.Query(`SELECT id, normalized, acronym, score, count, started_at, user, host, path
		FROM commands
		WHERE user IS ? AND host IS ? AND path IS ?
		  AND (normalized LIKE ? OR acronym LIKE ?)
		ORDER BY score DESC, started_at DESC
		LIMIT ?`,
		user, host, path, prefix+"%", prefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("store: suggest: %w", err)
	}
	defer rows.Close()
	return scanCommands(rows)
}

// PruneCommands deletes history rows whose score has decayed below min,
// keeping the table from growing unbounded across long-lived scopes.
func (s *Store) PruneCommands(min float64) (int64, error) {
	res, err := s.db.Exec("DELETE FROM commands WHERE score < ?", min)
	if err != nil {
		return 0, fmt.Errorf("store: prune commands: %w", err)
	}
	return res.RowsAffected()
}

func scanCommands(rows *sql.Rows) ([]*Command, error) {
	var out []*Command
	for rows.Next() {
		c := &Command{}
		var startedAt string
		if err := rows.Scan(&c.ID, &c.Normalized, &c.Acronym, &c.Score, &c.Count, &startedAt, &c.User, &c.Host, &c.Path); err != nil {
			return nil, fmt.Errorf("store: scan command: %w", err)
		}
		c.StartedAt = parseCmdTime(startedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func parseCmdTime(s string) time.Time {
	for _, layout := range []string{cmdTimeFmt, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
