package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emberveil/sagalog/internal/saga/store"
)

// participantSeparator keeps joined participant ids unambiguous; ids are
// base32 and never contain the unit separator.
const participantSeparator = "\x1f"

func encodeParticipants(ids []string) string {
	return strings.Join(ids, participantSeparator)
}

func decodeParticipants(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, participantSeparator)
}

func (s *Store) PutInstance(ctx context.Context, inst store.Instance) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO instances (id, template_ref, kind, owner_id, participant_ids, created_at_ms, last_modified_at_ms, last_synced_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.TemplateRef,
		string(inst.Kind),
		inst.OwnerID,
		encodeParticipants(inst.ParticipantIDs),
		toMillis(inst.CreatedAt),
		toMillis(inst.LastModifiedAt),
		toNullMillis(inst.LastSyncedAt),
	)
	if err != nil {
		if isOwnedInstanceConflict(err) {
			return store.ErrDuplicateOwnedInstance
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (store.Instance, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, template_ref, kind, owner_id, participant_ids, created_at_ms, last_modified_at_ms, last_synced_at_ms
FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

func (s *Store) FindOwnedInstance(ctx context.Context, ownerID, templateRef string) (store.Instance, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, template_ref, kind, owner_id, participant_ids, created_at_ms, last_modified_at_ms, last_synced_at_ms
FROM instances WHERE kind = ? AND owner_id = ? AND template_ref = ?`,
		string(store.KindOwned), ownerID, templateRef)
	return scanInstance(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (store.Instance, error) {
	var (
		inst         store.Instance
		kind         string
		participants string
		createdAt    int64
		modifiedAt   int64
		syncedAt     sql.NullInt64
	)
	err := row.Scan(&inst.ID, &inst.TemplateRef, &kind, &inst.OwnerID, &participants, &createdAt, &modifiedAt, &syncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Instance{}, store.ErrNotFound
		}
		return store.Instance{}, fmt.Errorf("scan instance: %w", err)
	}
	inst.Kind = store.Kind(kind)
	inst.ParticipantIDs = decodeParticipants(participants)
	inst.CreatedAt = fromMillis(createdAt)
	inst.LastModifiedAt = fromMillis(modifiedAt)
	inst.LastSyncedAt = fromNullMillis(syncedAt)
	return inst, nil
}

func (s *Store) TouchInstance(ctx context.Context, id string, modifiedAt time.Time) error {
	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE instances SET last_modified_at_ms = ? WHERE id = ?",
		toMillis(modifiedAt), id)
	if err != nil {
		return fmt.Errorf("touch instance: %w", err)
	}
	return requireOneRow(result)
}

func (s *Store) MarkInstanceSynced(ctx context.Context, id string, syncedAt time.Time) error {
	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE instances SET last_synced_at_ms = ? WHERE id = ?",
		toMillis(syncedAt), id)
	if err != nil {
		return fmt.Errorf("mark instance synced: %w", err)
	}
	return requireOneRow(result)
}

func requireOneRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Statistics(ctx context.Context) (store.Statistics, error) {
	var stats store.Statistics
	row := s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM instances")
	if err := row.Scan(&stats.InstanceCount); err != nil {
		return store.Statistics{}, fmt.Errorf("count instances: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT status, COUNT(*) FROM transactions GROUP BY status")
	if err != nil {
		return store.Statistics{}, fmt.Errorf("count transactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return store.Statistics{}, fmt.Errorf("scan transaction count: %w", err)
		}
		stats.TransactionCount += count
		switch status {
		case "pending":
			stats.PendingCount = count
		case "committed":
			stats.CommittedCount = count
		case "rejected":
			stats.RejectedCount = count
		case "reversed":
			stats.ReversedCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return store.Statistics{}, fmt.Errorf("read transaction counts: %w", err)
	}
	return stats, nil
}
