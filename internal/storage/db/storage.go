package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avalkov/safe-transaction-history/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const (
	transactionColumns = `id, safe, to_address, value, data, operation, nonce, state, execution_date, created_at, updated_at`

	confirmationColumns = `id, multisig_transaction_id, owner, contract_transaction_hash, transaction_hash, type,
    block_number, block_date_time, state, created_at, updated_at`

	prefixedConfirmationColumns = `c.id, c.multisig_transaction_id, c.owner, c.contract_transaction_hash, c.transaction_hash,
    c.type, c.block_number, c.block_date_time, c.state, c.created_at, c.updated_at`
)

func NewStorage(driver, dsn string) (*storage, error) {
	if !strings.Contains(dsn, "sslmode") {
		dsn = fmt.Sprintf("%s sslmode=disable", dsn)
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &storage{db: db, now: time.Now}, nil
}

func (s *storage) ExecuteMigrations(ctx context.Context) error {
	return s.executeMigrations(ctx, s.db)
}

func (s *storage) Close() error {
	return s.db.Close()
}

// CreateTransaction stores a transaction, returning the existing row when one
// with the same safe, destination, value, data, operation and nonce is present.
func (s *storage) CreateTransaction(ctx context.Context, transaction model.MultisigTransaction) (model.MultisigTransaction, error) {
	data := transaction.Data
	if data == nil {
		data = []byte{}
	}
	now := s.now().UTC()

	var created model.MultisigTransaction
	err := s.db.GetContext(ctx, &created, s.db.Rebind(`INSERT INTO multisig_transaction (safe, to_address, value, data,
    operation, nonce, state, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING
    RETURNING `+transactionColumns),
		transaction.Safe, transaction.To, transaction.Value, data,
		transaction.Operation, strconv.FormatUint(transaction.Nonce, 10), model.TransactionPending, now, now)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.MultisigTransaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}

	var existing []model.MultisigTransaction
	if err := s.db.SelectContext(ctx, &existing, s.db.Rebind(`SELECT `+transactionColumns+` FROM multisig_transaction
    WHERE safe = ? AND to_address = ? AND value = ? AND data = ? AND operation = ? AND nonce = ? ORDER BY id LIMIT 1`),
		transaction.Safe, transaction.To, transaction.Value, data, transaction.Operation, strconv.FormatUint(transaction.Nonce, 10)); err != nil {
		return model.MultisigTransaction{}, err
	}
	if len(existing) == 0 {
		return model.MultisigTransaction{}, fmt.Errorf("transaction conflicts with a row that cannot be found: %w", model.ErrNotFound)
	}
	return existing[0], nil
}

func (s *storage) CreateConfirmation(ctx context.Context, confirmation model.MultisigConfirmation) (model.MultisigConfirmation, error) {
	if _, err := s.GetTransaction(ctx, confirmation.MultisigTransactionID); err != nil {
		return model.MultisigConfirmation{}, err
	}

	now := s.now().UTC()

	var created model.MultisigConfirmation
	err := s.db.GetContext(ctx, &created, s.db.Rebind(`INSERT INTO multisig_confirmation (multisig_transaction_id, owner,
    contract_transaction_hash, transaction_hash, type, block_number, block_date_time, state, created_at, updated_at)
    VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING RETURNING `+confirmationColumns),
		confirmation.MultisigTransactionID, confirmation.Owner, confirmation.ContractTransactionHash,
		confirmation.TransactionHash, confirmation.Type, confirmation.BlockNumber, confirmation.BlockDateTime.UTC(),
		model.ConfirmationPending, now, now)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.MultisigConfirmation{}, fmt.Errorf("failed to insert confirmation: %w", err)
	}

	var existing []model.MultisigConfirmation
	if err := s.db.SelectContext(ctx, &existing, s.db.Rebind(`SELECT `+confirmationColumns+` FROM multisig_confirmation
    WHERE multisig_transaction_id = ? AND owner = ? AND transaction_hash = ?`),
		confirmation.MultisigTransactionID, confirmation.Owner, confirmation.TransactionHash); err != nil {
		return model.MultisigConfirmation{}, err
	}
	if len(existing) == 0 {
		return model.MultisigConfirmation{}, fmt.Errorf("confirmation conflicts with a row that cannot be found: %w", model.ErrNotFound)
	}
	return existing[0], nil
}

func (s *storage) FindConfirmation(ctx context.Context, safe common.Address, contractTxHash common.Hash,
	owner common.Address, ownerTxHash common.Hash) (model.MultisigConfirmation, error) {

	var confirmations []model.MultisigConfirmation
	if err := s.db.SelectContext(ctx, &confirmations, s.db.Rebind(`SELECT `+prefixedConfirmationColumns+`
    FROM multisig_confirmation AS c INNER JOIN multisig_transaction AS t ON t.id = c.multisig_transaction_id
    WHERE t.safe = ? AND c.contract_transaction_hash = ? AND c.owner = ? AND c.transaction_hash = ?
    ORDER BY c.id LIMIT 1`), safe, contractTxHash, owner, ownerTxHash); err != nil {
		return model.MultisigConfirmation{}, err
	}
	if len(confirmations) == 0 {
		return model.MultisigConfirmation{}, model.ErrNotFound
	}
	return confirmations[0], nil
}

func (s *storage) FindTransaction(ctx context.Context, safe, to common.Address, value decimal.Decimal, nonce uint64) (model.MultisigTransaction, error) {
	var transactions []model.MultisigTransaction
	if err := s.db.SelectContext(ctx, &transactions, s.db.Rebind(`SELECT `+transactionColumns+` FROM multisig_transaction
    WHERE safe = ? AND to_address = ? AND value = ? AND nonce = ? ORDER BY id LIMIT 1`), safe, to, value, strconv.FormatUint(nonce, 10)); err != nil {
		return model.MultisigTransaction{}, err
	}
	if len(transactions) == 0 {
		return model.MultisigTransaction{}, model.ErrNotFound
	}
	return transactions[0], nil
}

func (s *storage) GetTransaction(ctx context.Context, id int64) (model.MultisigTransaction, error) {
	var transactions []model.MultisigTransaction
	if err := s.db.SelectContext(ctx, &transactions, s.db.Rebind(`SELECT `+transactionColumns+` FROM multisig_transaction
    WHERE id = ?`), id); err != nil {
		return model.MultisigTransaction{}, err
	}
	if len(transactions) == 0 {
		return model.MultisigTransaction{}, model.ErrNotFound
	}
	return transactions[0], nil
}

func (s *storage) ListConfirmations(ctx context.Context, transactionID int64) ([]model.MultisigConfirmation, error) {
	confirmations := []model.MultisigConfirmation{}
	if err := s.db.SelectContext(ctx, &confirmations, s.db.Rebind(`SELECT `+confirmationColumns+` FROM multisig_confirmation
    WHERE multisig_transaction_id = ? ORDER BY id`), transactionID); err != nil {
		return nil, err
	}
	return confirmations, nil
}

func (s *storage) GetConfirmationsByTransactionHashes(ctx context.Context, hashes []common.Hash) ([]model.MultisigConfirmation, error) {
	confirmations := []model.MultisigConfirmation{}
	if len(hashes) == 0 {
		return confirmations, nil
	}

	raw := make([][]byte, len(hashes))
	for i, h := range hashes {
		raw[i] = h.Bytes()
	}

	if err := s.db.SelectContext(ctx, &confirmations, s.db.Rebind(`SELECT `+confirmationColumns+` FROM multisig_confirmation
    WHERE transaction_hash = ANY(?) ORDER BY id`), pq.ByteaArray(raw)); err != nil {
		return nil, err
	}
	return confirmations, nil
}

// UpdateConfirmationState applies the transition only from an allowed source
// state, so concurrent writers cannot move a confirmation out of VALID.
func (s *storage) UpdateConfirmationState(ctx context.Context, id int64, state model.ConfirmationState) (bool, error) {
	sources := state.Sources()
	if len(sources) == 0 {
		return false, nil
	}

	allowed := make([]string, len(sources))
	for i, source := range sources {
		allowed[i] = string(source)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE multisig_confirmation SET state = ?, updated_at = ?
    WHERE id = ? AND state = ANY(?)`), state, s.now().UTC(), id, pq.StringArray(allowed))
	if err != nil {
		return false, err
	}

	return s.changedOrMissing(ctx, res, `SELECT COUNT(*) FROM multisig_confirmation WHERE id = ?`, id)
}

func (s *storage) MarkTransactionExecuted(ctx context.Context, id int64, executionDate time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE multisig_transaction SET state = ?, execution_date = ?, updated_at = ?
    WHERE id = ? AND state <> ?`), model.TransactionExecuted, executionDate.UTC(), s.now().UTC(), id, model.TransactionExecuted)
	if err != nil {
		return false, err
	}

	return s.changedOrMissing(ctx, res, `SELECT COUNT(*) FROM multisig_transaction WHERE id = ?`, id)
}

func (s *storage) IsUserExisting(ctx context.Context, username, password string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM users WHERE username = ? AND password = ?`),
		username, password).Scan(&count); err != nil {
		return err
	}

	if count == 0 {
		return model.ErrNotFound
	}

	return nil
}

func (s *storage) changedOrMissing(ctx context.Context, res sql.Result, countQuery string, id int64) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(countQuery), id).Scan(&count); err != nil {
		return false, err
	}
	if count == 0 {
		return false, model.ErrNotFound
	}
	return false, nil
}

type storage struct {
	db  *sqlx.DB
	now func() time.Time
}
