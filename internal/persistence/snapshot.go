package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// SnapshotManager persists engine state records to Postgres for
// recovery. A snapshot row carries the fixed-size binary state record
// plus the recently processed command IDs used to warm the dedup LRU.
type SnapshotManager struct {
	db *sql.DB
}

// Snapshot is a loaded snapshot row.
type Snapshot struct {
	SnapshotID uuid.UUID
	Slot       uint64
	State      []byte
	RecentKeys []string
	CreatedAt  time.Time
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists an engine state record. One row per slot;
// re-snapshotting the same slot overwrites it.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, slot uint64, state []byte, recentKeys []string) error {
	snapshotID := uuid.New()
	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO perpcore.snapshots
			(snapshot_id, slot, state, recent_keys, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slot) DO UPDATE SET state = $3, recent_keys = $4, size_bytes = $5, created_at = $6
	`, snapshotID, int64(slot), state, pq.Array(recentKeys), len(state), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadLatestSnapshot loads the most recent snapshot. Returns nil when
// none exists (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*Snapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT snapshot_id, slot, state, recent_keys, created_at
		FROM perpcore.snapshots
		ORDER BY slot DESC
		LIMIT 1
	`)

	var snap Snapshot
	var slot int64
	if err := row.Scan(&snap.SnapshotID, &slot, &snap.State, pq.Array(&snap.RecentKeys), &snap.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	snap.Slot = uint64(slot)

	return &snap, nil
}

// PruneSnapshots deletes all but the newest keep rows.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) error {
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM perpcore.snapshots
		WHERE slot NOT IN (
			SELECT slot FROM perpcore.snapshots ORDER BY slot DESC LIMIT $1
		)
	`, keep)
	return err
}
