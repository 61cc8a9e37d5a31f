package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	ray5agent "github.com/laserkit/Ray5Agent"
)

// SaveProfile upserts the profile keyed by address. first_seen_at is written
// once and kept on later visits; last_seen_at always advances.
func (s *Store) SaveProfile(ctx context.Context, profile ray5agent.Profile) error {
	if s == nil || s.db == nil {
		return pkgerrors.New("storage: store is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	address := strings.TrimSpace(profile.Address)
	if address == "" {
		return pkgerrors.New("storage: profile address is empty")
	}
	seen := profile.LastSeenAt
	if seen.IsZero() {
		seen = time.Now()
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (address, hardware_addr, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			hardware_addr=excluded.hardware_addr,
			last_seen_at=excluded.last_seen_at;`, quoteIdent(profilesTable))
	_, err := s.db.ExecContext(ctx, stmt,
		address,
		strings.TrimSpace(profile.HardwareAddr),
		seen.UTC().Format(time.RFC3339),
		seen.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: upsert profile %s failed", address)
	}
	return nil
}

// LastProfile returns the most recently seen profile, or nil when the agent
// has never connected.
func (s *Store) LastProfile(ctx context.Context) (*ray5agent.Profile, error) {
	if s == nil || s.db == nil {
		return nil, pkgerrors.New("storage: store is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query := fmt.Sprintf(`SELECT address, hardware_addr, first_seen_at, last_seen_at
		FROM %s ORDER BY last_seen_at DESC LIMIT 1;`, quoteIdent(profilesTable))
	row := s.db.QueryRowContext(ctx, query)
	profile, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: read last profile failed")
	}
	return profile, nil
}

// Profiles lists every known device, most recent first.
func (s *Store) Profiles(ctx context.Context) ([]ray5agent.Profile, error) {
	if s == nil || s.db == nil {
		return nil, pkgerrors.New("storage: store is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query := fmt.Sprintf(`SELECT address, hardware_addr, first_seen_at, last_seen_at
		FROM %s ORDER BY last_seen_at DESC;`, quoteIdent(profilesTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: list profiles failed")
	}
	defer rows.Close()

	var profiles []ray5agent.Profile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan profile failed")
		}
		profiles = append(profiles, *profile)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate profiles failed")
	}
	return profiles, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*ray5agent.Profile, error) {
	var (
		profile   ray5agent.Profile
		firstSeen string
		lastSeen  string
	)
	if err := row.Scan(&profile.Address, &profile.HardwareAddr, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	profile.FirstSeenAt = parseStoredTime(firstSeen)
	profile.LastSeenAt = parseStoredTime(lastSeen)
	return &profile, nil
}

func parseStoredTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}
	}
	return parsed
}
