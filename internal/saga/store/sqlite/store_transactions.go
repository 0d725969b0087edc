package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/emberveil/sagalog/internal/saga/store"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

func encodeData(data transaction.Data) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal transaction data: %w", err)
	}
	return string(raw), nil
}

func decodeData(raw string) (transaction.Data, error) {
	if raw == "" || raw == "{}" {
		return transaction.Data{}, nil
	}
	var data transaction.Data
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("unmarshal transaction data: %w", err)
	}
	return data, nil
}

func (s *Store) AppendTransactions(ctx context.Context, instanceID string, txs []transaction.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	dbTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	stmt, err := dbTx.PrepareContext(ctx, `
INSERT INTO transactions (id, instance_id, seq, actor_id, client_id, local_ts_ms, server_ts_ms, status, type, data, reverses_transaction_id, reversal_reason, merge_strategy)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, tx := range txs {
		data, err := encodeData(tx.Data)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			tx.ID,
			instanceID,
			int64(tx.Seq),
			tx.ActorID,
			tx.ClientID,
			toMillis(tx.LocalTimestamp),
			toNullMillis(tx.ServerTimestamp),
			string(tx.Status),
			string(tx.Type),
			data,
			tx.ReversesTransactionID,
			tx.ReversalReason,
			string(tx.MergeStrategy),
		); err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("append conflict instance_id=%s seq=%d: %w", instanceID, tx.Seq, err)
			}
			return fmt.Errorf("insert transaction seq=%d: %w", tx.Seq, err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

const transactionColumns = `id, seq, actor_id, client_id, local_ts_ms, server_ts_ms, status, type, data, reverses_transaction_id, reversal_reason, merge_strategy`

func (s *Store) GetTransaction(ctx context.Context, instanceID, txID string) (transaction.Transaction, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE instance_id = ? AND id = ?",
		instanceID, txID)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return transaction.Transaction{}, store.ErrNotFound
		}
		return transaction.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, instanceID string, afterSeq uint64, limit int) ([]transaction.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE instance_id = ? AND seq > ? ORDER BY seq ASC"
	args := []any{instanceID, int64(afterSeq)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []transaction.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(row rowScanner) (transaction.Transaction, error) {
	var (
		tx       transaction.Transaction
		seq      int64
		localTS  int64
		serverTS sql.NullInt64
		status   string
		txType   string
		data     string
		strategy string
	)
	err := row.Scan(&tx.ID, &seq, &tx.ActorID, &tx.ClientID, &localTS, &serverTS,
		&status, &txType, &data, &tx.ReversesTransactionID, &tx.ReversalReason, &strategy)
	if err != nil {
		return transaction.Transaction{}, err
	}
	tx.Seq = uint64(seq)
	tx.LocalTimestamp = fromMillis(localTS)
	tx.ServerTimestamp = fromNullMillis(serverTS)
	tx.Status = transaction.Status(status)
	tx.Type = transaction.Type(txType)
	tx.MergeStrategy = transaction.MergeStrategy(strategy)
	decoded, err := decodeData(data)
	if err != nil {
		return transaction.Transaction{}, err
	}
	tx.Data = decoded
	return tx, nil
}

func (s *Store) MaxSeq(ctx context.Context, instanceID string) (uint64, error) {
	var max sql.NullInt64
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM transactions WHERE instance_id = ?", instanceID)
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("read max seq: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

func (s *Store) ReassignSequence(ctx context.Context, instanceID, txID string, seq uint64) error {
	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE transactions SET seq = ? WHERE instance_id = ? AND id = ?",
		int64(seq), instanceID, txID)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("reassign conflict instance_id=%s seq=%d: %w", instanceID, seq, err)
		}
		return fmt.Errorf("reassign sequence for %s: %w", txID, err)
	}
	return requireOneRow(result)
}

func (s *Store) UpdateStatuses(ctx context.Context, instanceID string, txIDs []string, update store.StatusUpdate) error {
	if len(txIDs) == 0 {
		return nil
	}

	dbTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	stmt, err := dbTx.PrepareContext(ctx, `
UPDATE transactions
SET status = ?,
    server_ts_ms = COALESCE(?, server_ts_ms),
    reversal_reason = CASE WHEN ? != '' THEN ? ELSE reversal_reason END,
    merge_strategy = CASE WHEN ? != '' THEN ? ELSE merge_strategy END
WHERE instance_id = ? AND id = ?`)
	if err != nil {
		return fmt.Errorf("prepare status update: %w", err)
	}
	defer stmt.Close()

	for _, txID := range txIDs {
		result, err := stmt.ExecContext(ctx,
			string(update.Status),
			toNullMillis(update.ServerTimestamp),
			update.ReversalReason, update.ReversalReason,
			string(update.MergeStrategy), string(update.MergeStrategy),
			instanceID, txID,
		)
		if err != nil {
			return fmt.Errorf("update transaction %s: %w", txID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for %s: %w", txID, err)
		}
		if affected == 0 {
			// Rolls back the whole batch via the deferred Rollback.
			return store.ErrNotFound
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}
