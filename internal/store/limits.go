// ABOUTME: SQLite implementation for usage-limit configuration
// ABOUTME: Stores per-tenant and per-user sliding-window quota settings

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertUsageLimit creates or replaces the limit for (tenant, user).
// Configuration errors are rejected here, never at check time.
func (s *SQLiteStore) UpsertUsageLimit(ctx context.Context, limit *UsageLimit) error {
	if err := limit.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	limit.UpdatedAt = now
	if limit.EffectiveFrom.IsZero() {
		limit.EffectiveFrom = now
	}

	query := `
		INSERT INTO usage_limits (tenant, user, max_units, window_seconds, enabled, effective_from, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, user) DO UPDATE SET
			max_units = excluded.max_units,
			window_seconds = excluded.window_seconds,
			enabled = excluded.enabled,
			effective_from = excluded.effective_from,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		limit.Tenant,
		limit.User,
		limit.MaxUnits,
		limit.WindowSeconds,
		boolToInt(limit.Enabled),
		limit.EffectiveFrom.UTC().Format(time.RFC3339),
		limit.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting usage limit: %w", err)
	}

	s.logger.Info("usage limit updated",
		"tenant", limit.Tenant,
		"user", limit.User,
		"max_units", limit.MaxUnits,
		"window_seconds", limit.WindowSeconds,
		"enabled", limit.Enabled,
	)
	return nil
}

// GetUsageLimit retrieves the limit configured for exactly (tenant, user).
// Resolution order across user/tenant/default limits is the limiter's job.
func (s *SQLiteStore) GetUsageLimit(ctx context.Context, tenant, user string) (*UsageLimit, error) {
	query := `
		SELECT tenant, user, max_units, window_seconds, enabled, effective_from, updated_at
		FROM usage_limits
		WHERE tenant = ? AND user = ?
	`

	limit, err := scanUsageLimit(s.db.QueryRowContext(ctx, query, tenant, user))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying usage limit: %w", err)
	}
	return limit, nil
}

// ListUsageLimits returns all limits configured for a tenant.
func (s *SQLiteStore) ListUsageLimits(ctx context.Context, tenant string) ([]*UsageLimit, error) {
	query := `
		SELECT tenant, user, max_units, window_seconds, enabled, effective_from, updated_at
		FROM usage_limits
		WHERE tenant = ?
		ORDER BY user ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, fmt.Errorf("querying usage limits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var limits []*UsageLimit
	for rows.Next() {
		limit, err := scanUsageLimit(rows)
		if err != nil {
			return nil, err
		}
		limits = append(limits, limit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage limit rows: %w", err)
	}
	return limits, nil
}

// scanUsageLimit scans a single usage limit row.
func scanUsageLimit(row rowScanner) (*UsageLimit, error) {
	var limit UsageLimit
	var enabled int
	var effectiveFromStr, updatedAtStr string

	err := row.Scan(
		&limit.Tenant,
		&limit.User,
		&limit.MaxUnits,
		&limit.WindowSeconds,
		&enabled,
		&effectiveFromStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning usage limit row: %w", err)
	}

	limit.Enabled = enabled != 0
	limit.EffectiveFrom, err = time.Parse(time.RFC3339, effectiveFromStr)
	if err != nil {
		return nil, fmt.Errorf("parsing effective_from: %w", err)
	}
	limit.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &limit, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
