package store

import (
	"context"
	"fmt"
	"time"
)

// SweepRetention applies the retention policy to cross-session memory
// facts. When targetUser is empty every user with stored facts is swept.
//
// Two independent passes per user:
//  1. Age: delete facts older than MaxAgeDays whose importance is below
//     MinImportance. Facts at or above MinImportance never age out.
//  2. Capacity: if more than MaxMemoriesPerUser facts remain, evict the
//     surplus by ascending (importance, accessed_at, id).
//
// Each delete is individually atomic, so sweeps can run alongside normal
// reads and writes. Sweeps never bump access counters.
func (s *Store) SweepRetention(ctx context.Context, policy RetentionPolicy, targetUser string) (SweepResult, error) {
	var result SweepResult
	if !policy.Enabled {
		return result, nil
	}

	users := []string{targetUser}
	if targetUser == "" {
		var err error
		users, err = s.usersWithMemories(ctx)
		if err != nil {
			return result, err
		}
	}

	cutoff := time.Now().Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour).UnixMilli()

	for _, user := range users {
		aged, err := s.sweepAge(ctx, user, cutoff, policy.MinImportance)
		if err != nil {
			return result, err
		}
		result.AgedOut += aged

		evicted, err := s.sweepCapacity(ctx, user, policy.MaxMemoriesPerUser)
		if err != nil {
			return result, err
		}
		result.Evicted += evicted

		if aged+evicted > 0 {
			s.logger.Debug().
				Str("user_id", user).
				Int("aged_out", aged).
				Int("evicted", evicted).
				Msg("Retention sweep pass")
		}
	}

	return result, nil
}

func (s *Store) usersWithMemories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM memories WHERE user_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) sweepAge(ctx context.Context, userID string, cutoffMs int64, minImportance float64) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ? AND created_at_ms < ? AND importance < ?`,
		userID, cutoffMs, minImportance)
	if err != nil {
		return 0, fmt.Errorf("age pass failed for user %s: %w", userID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) sweepCapacity(ctx context.Context, userID string, maxPerUser int) (int, error) {
	if maxPerUser <= 0 {
		return 0, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("capacity count failed for user %s: %w", userID, err)
	}

	surplus := count - maxPerUser
	if surplus <= 0 {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM memories WHERE user_id = ?
		 ORDER BY importance ASC, accessed_at_ms ASC, id ASC LIMIT ?`,
		userID, surplus)
	if err != nil {
		return 0, fmt.Errorf("victim selection failed for user %s: %w", userID, err)
	}

	var victims []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan victim: %w", err)
		}
		victims = append(victims, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	// One statement per victim keeps each delete atomic relative to
	// concurrent readers.
	deleted := 0
	for _, id := range victims {
		result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return deleted, fmt.Errorf("eviction failed for memory %s: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return deleted, err
		}
		deleted += int(affected)
	}
	return deleted, nil
}
