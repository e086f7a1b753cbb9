package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker is the tier-2 dedup store. Applied command
// IDs land here so restarts beyond the LRU horizon still reject replays.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks if the command ID exists in the processed table.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM perpcore.processed_commands
        WHERE command_id = $1
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, commandID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// RecordProcessed inserts an applied command ID. Conflicts are ignored;
// a re-insert after a crash-and-replay is expected.
func (pic *PostgresIdempotencyChecker) RecordProcessed(ctx context.Context, commandID string, slot uint64) error {
	_, err := pic.db.ExecContext(ctx, `
        INSERT INTO perpcore.processed_commands (command_id, slot, processed_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (command_id) DO NOTHING
    `, commandID, int64(slot), time.Now().UTC())
	return err
}

// PruneProcessedBefore deletes dedup rows older than the cutoff. Run
// periodically so the table tracks the stream retention window.
func (pic *PostgresIdempotencyChecker) PruneProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := pic.db.ExecContext(ctx, `
        DELETE FROM perpcore.processed_commands WHERE processed_at < $1
    `, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
