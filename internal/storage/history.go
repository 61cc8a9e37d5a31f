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

// TransferRecord is one item outcome from a finished batch.
type TransferRecord struct {
	ID        int64
	BatchID   string
	Address   string
	Kind      string
	Item      string
	Error     string
	CreatedAt time.Time
}

// Failed reports whether the item was recorded with an error.
func (r TransferRecord) Failed() bool {
	return r.Error != ""
}

// RecordBatch appends one history row per item in a single transaction.
func (s *Store) RecordBatch(ctx context.Context, address string, kind ray5agent.BatchKind, batchID string, results []ray5agent.ItemResult) error {
	if s == nil || s.db == nil {
		return pkgerrors.New("storage: store is nil")
	}
	if len(results) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: begin history transaction failed")
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (batch_id, address, kind, item, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?);`, quoteIdent(historyTable))
	createdAt := time.Now().UTC().Format(time.RFC3339)
	for _, result := range results {
		if _, err := tx.ExecContext(ctx, stmt,
			batchID,
			strings.TrimSpace(address),
			string(kind),
			result.Item,
			nullableError(result.Err),
			createdAt,
		); err != nil {
			tx.Rollback()
			return pkgerrors.Wrapf(err, "storage: insert history row for %s failed", result.Item)
		}
	}
	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, "storage: commit history transaction failed")
	}
	return nil
}

// RecentTransfers returns the newest history rows, capped at limit.
func (s *Store) RecentTransfers(ctx context.Context, limit int) ([]TransferRecord, error) {
	if s == nil || s.db == nil {
		return nil, pkgerrors.New("storage: store is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, batch_id, address, kind, item, error, created_at
		FROM %s ORDER BY id DESC LIMIT ?;`, quoteIdent(historyTable))
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: list history failed")
	}
	defer rows.Close()

	var records []TransferRecord
	for rows.Next() {
		var (
			record    TransferRecord
			itemError sql.NullString
			createdAt string
		)
		if err := rows.Scan(&record.ID, &record.BatchID, &record.Address, &record.Kind, &record.Item, &itemError, &createdAt); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan history row failed")
		}
		record.Error = itemError.String
		record.CreatedAt = parseStoredTime(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate history failed")
	}
	return records, nil
}

func nullableError(err error) any {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return nil
	}
	return msg
}
