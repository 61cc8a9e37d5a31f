package ray5agent

import (
	"context"
	"time"
)

// Profile is the persisted memory of a successful handshake. The CLI uses the
// most recent profile to reconnect without arguments.
type Profile struct {
	Address      string
	HardwareAddr string
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// ProfileStore persists connection profiles. Writes are best effort: a
// storage failure is logged and the session carries on.
type ProfileStore interface {
	SaveProfile(ctx context.Context, profile Profile) error
	LastProfile(ctx context.Context) (*Profile, error)
}

// TransferRecorder receives per-item batch outcomes for the transfer history.
type TransferRecorder interface {
	RecordBatch(ctx context.Context, address string, kind BatchKind, batchID string, results []ItemResult) error
}

type noopProfileStore struct{}

func (noopProfileStore) SaveProfile(ctx context.Context, profile Profile) error { return nil }

func (noopProfileStore) LastProfile(ctx context.Context) (*Profile, error) { return nil, nil }

type noopTransferRecorder struct{}

func (noopTransferRecorder) RecordBatch(ctx context.Context, address string, kind BatchKind, batchID string, results []ItemResult) error {
	return nil
}
