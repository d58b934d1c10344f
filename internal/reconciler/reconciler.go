package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/avalkov/safe-transaction-history/internal/model"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const DefaultRetryAfter = 10 * time.Second

// Job identifies one observed owner action to verify against the chain.
type Job struct {
	SafeAddress             common.Address `json:"safe"`
	ContractTransactionHash common.Hash    `json:"contractTransactionHash"`
	OwnerTransactionHash    common.Hash    `json:"transactionHash"`
	OwnerAddress            common.Address `json:"owner"`
	AllowRetry              bool           `json:"allowRetry"`
}

type Opts struct {
	RetryAfter time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

func NewReconciler(storage storage, client client, opts Opts) *reconciler {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultRetryAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &reconciler{
		storage:    storage,
		client:     client,
		retryAfter: opts.RetryAfter,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Reconcile converges the stored confirmation (and its parent transaction) with
// what the chain currently reports. It never blocks beyond the oracle and store
// calls and never schedules anything itself.
func (r *reconciler) Reconcile(ctx context.Context, job Job) Outcome {
	logger := r.logger.With(
		"safe", job.SafeAddress.Hex(),
		"contractTxHash", job.ContractTransactionHash.Hex(),
		"ownerTxHash", job.OwnerTransactionHash.Hex(),
		"owner", job.OwnerAddress.Hex(),
	)

	receipt, err := r.client.TransactionReceipt(ctx, job.OwnerTransactionHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return r.reconcileMissingReceipt(ctx, logger, job)
		}
		logger.Warn("receipt lookup failed", "error", err)
		return transient(fmt.Errorf("%w: receipt lookup: %v", ErrTransientChain, err))
	}

	if receipt.TxHash != job.OwnerTransactionHash {
		err := fmt.Errorf("%w: receipt hash %s does not match requested hash", ErrInvariantViolation, receipt.TxHash.Hex())
		logger.Error("conflicting receipt", "error", err)
		return violation(err)
	}

	confirmation, outcome, ok := r.findConfirmation(ctx, logger, job)
	if !ok {
		return outcome
	}

	transaction, outcome, ok := r.parentTransaction(ctx, logger, job, confirmation)
	if !ok {
		return outcome
	}

	r.checkBlockNumber(ctx, logger, confirmation, receipt)

	if receipt.Status != types.ReceiptStatusSuccessful {
		return r.invalidate(ctx, logger, confirmation, fmt.Errorf("%w: transaction reverted", ErrRevertedOrReorged))
	}

	switch confirmation.Type {
	case model.ConfirmationTypeConfirmation:
		return r.reconcileConfirmation(ctx, logger, job, confirmation, transaction)
	case model.ConfirmationTypeExecution:
		return r.reconcileExecution(ctx, logger, job, confirmation, transaction, receipt)
	}

	err = fmt.Errorf("%w: unknown confirmation type %q", ErrInvariantViolation, confirmation.Type)
	logger.Error("cannot reconcile confirmation", "confirmationId", confirmation.ID, "error", err)
	return violation(err)
}

func (r *reconciler) reconcileMissingReceipt(ctx context.Context, logger *slog.Logger, job Job) Outcome {
	_, isPending, err := r.client.TransactionByHash(ctx, job.OwnerTransactionHash)
	switch {
	case err == nil:
		if !job.AllowRetry {
			logger.Info("transaction not yet mined", "pending", isPending)
			return unresolved(0)
		}
		logger.Info("transaction not yet mined, retry requested", "pending", isPending, "retryAfter", r.retryAfter)
		return unresolved(r.retryAfter)

	case errors.Is(err, ethereum.NotFound):
		confirmation, outcome, ok := r.findConfirmation(ctx, logger, job)
		if !ok {
			return outcome
		}
		return r.invalidate(ctx, logger, confirmation, fmt.Errorf("%w: transaction unknown to the node", ErrRevertedOrReorged))
	}

	logger.Warn("transaction lookup failed", "error", err)
	return transient(fmt.Errorf("%w: transaction lookup: %v", ErrTransientChain, err))
}

func (r *reconciler) reconcileConfirmation(ctx context.Context, logger *slog.Logger, job Job,
	confirmation model.MultisigConfirmation, transaction model.MultisigTransaction) Outcome {

	approved, err := r.client.IsApproved(ctx, job.SafeAddress, job.ContractTransactionHash, job.OwnerAddress)
	if err != nil {
		logger.Warn("isApproved call failed", "error", err)
		return transient(fmt.Errorf("%w: isApproved: %v", ErrTransientChain, err))
	}

	executed, err := r.client.IsExecuted(ctx, job.SafeAddress, job.ContractTransactionHash)
	if err != nil {
		logger.Warn("isExecuted call failed", "error", err)
		return transient(fmt.Errorf("%w: isExecuted: %v", ErrTransientChain, err))
	}

	if !approved && !executed {
		return r.invalidate(ctx, logger, confirmation, fmt.Errorf("%w: approval not found on chain", ErrRevertedOrReorged))
	}

	// Execution clears the approvals of every confirming owner, so once the
	// transaction is executed the successful receipt is the remaining evidence.
	if !approved {
		logger.Info("approval cleared by execution, accepting successful receipt", "confirmationId", confirmation.ID)
	}

	if failed, ok := r.setConfirmationState(ctx, logger, confirmation, model.ConfirmationValid); !ok {
		return failed
	}
	outcome := confirmed(transaction.Executed())

	if executed {
		if err := r.markExecuted(ctx, logger, transaction, r.now()); err != nil {
			return transient(err)
		}
		outcome.Executed = true
	}

	return outcome
}

func (r *reconciler) reconcileExecution(ctx context.Context, logger *slog.Logger, job Job,
	confirmation model.MultisigConfirmation, transaction model.MultisigTransaction, receipt *types.Receipt) Outcome {

	executed, err := r.client.IsExecuted(ctx, job.SafeAddress, job.ContractTransactionHash)
	if err != nil {
		logger.Warn("isExecuted call failed", "error", err)
		return transient(fmt.Errorf("%w: isExecuted: %v", ErrTransientChain, err))
	}
	if !executed {
		return r.invalidate(ctx, logger, confirmation, fmt.Errorf("%w: execution not recorded on chain", ErrRevertedOrReorged))
	}

	executionDate := r.now()
	if receipt.BlockNumber != nil {
		header, err := r.client.HeaderByNumber(ctx, new(big.Int).Set(receipt.BlockNumber))
		if err != nil {
			logger.Warn("header lookup failed", "block", receipt.BlockNumber, "error", err)
			return transient(fmt.Errorf("%w: header lookup: %v", ErrTransientChain, err))
		}
		executionDate = time.Unix(int64(header.Time), 0).UTC()
	}

	if outcome, ok := r.setConfirmationState(ctx, logger, confirmation, model.ConfirmationValid); !ok {
		return outcome
	}
	if err := r.markExecuted(ctx, logger, transaction, executionDate); err != nil {
		return transient(err)
	}

	return confirmed(true)
}

func (r *reconciler) findConfirmation(ctx context.Context, logger *slog.Logger, job Job) (model.MultisigConfirmation, Outcome, bool) {
	confirmation, err := r.storage.FindConfirmation(ctx, job.SafeAddress, job.ContractTransactionHash, job.OwnerAddress, job.OwnerTransactionHash)
	if err == nil {
		return confirmation, Outcome{}, true
	}
	if errors.Is(err, model.ErrNotFound) {
		logger.Warn("no confirmation recorded for owner action")
		return confirmation, recordNotFound(ErrRecordNotFound), false
	}
	logger.Warn("confirmation lookup failed", "error", err)
	return confirmation, transient(fmt.Errorf("%w: %v", ErrTransientStore, err)), false
}

func (r *reconciler) parentTransaction(ctx context.Context, logger *slog.Logger, job Job,
	confirmation model.MultisigConfirmation) (model.MultisigTransaction, Outcome, bool) {

	transaction, err := r.storage.GetTransaction(ctx, confirmation.MultisigTransactionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			err = fmt.Errorf("%w: confirmation %d references missing transaction %d",
				ErrInvariantViolation, confirmation.ID, confirmation.MultisigTransactionID)
			logger.Error("orphaned confirmation", "error", err)
			return transaction, violation(err), false
		}
		logger.Warn("transaction lookup failed", "error", err)
		return transaction, transient(fmt.Errorf("%w: %v", ErrTransientStore, err)), false
	}

	if transaction.Safe != job.SafeAddress {
		err := fmt.Errorf("%w: transaction %d belongs to safe %s", ErrInvariantViolation, transaction.ID, transaction.Safe.Hex())
		logger.Error("conflicting safe", "error", err)
		return transaction, violation(err), false
	}

	return transaction, Outcome{}, true
}

// checkBlockNumber only reports drift: the recorded block is a hint taken when the
// action was first seen, the receipt is what counts.
func (r *reconciler) checkBlockNumber(ctx context.Context, logger *slog.Logger, confirmation model.MultisigConfirmation, receipt *types.Receipt) {
	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		logger.Warn("could not read chain head, skipping block check", "error", err)
		return
	}

	switch {
	case confirmation.BlockNumber > head:
		logger.Warn("recorded block is ahead of chain head", "recordedBlock", confirmation.BlockNumber, "head", head)
	case receipt.BlockNumber != nil && confirmation.BlockNumber != receipt.BlockNumber.Uint64():
		logger.Info("recorded block differs from receipt block",
			"recordedBlock", confirmation.BlockNumber, "receiptBlock", receipt.BlockNumber, "head", head)
	}
}

func (r *reconciler) invalidate(ctx context.Context, logger *slog.Logger, confirmation model.MultisigConfirmation, cause error) Outcome {
	if confirmation.Valid() {
		logger.Warn("chain no longer backs a valid confirmation, keeping it", "confirmationId", confirmation.ID, "reason", cause)
		return confirmed(false)
	}

	if outcome, ok := r.setConfirmationState(ctx, logger, confirmation, model.ConfirmationInvalid); !ok {
		return outcome
	}

	return invalidated(cause)
}

func (r *reconciler) setConfirmationState(ctx context.Context, logger *slog.Logger,
	confirmation model.MultisigConfirmation, state model.ConfirmationState) (Outcome, bool) {

	changed, err := r.storage.UpdateConfirmationState(ctx, confirmation.ID, state)
	if err != nil {
		logger.Warn("confirmation update failed", "confirmationId", confirmation.ID, "state", state, "error", err)
		return transient(fmt.Errorf("%w: update confirmation %d: %v", ErrTransientStore, confirmation.ID, err)), false
	}
	if changed {
		logger.Info("confirmation updated", "confirmationId", confirmation.ID, "state", state)
	}
	return Outcome{}, true
}

func (r *reconciler) markExecuted(ctx context.Context, logger *slog.Logger, transaction model.MultisigTransaction, executionDate time.Time) error {
	changed, err := r.storage.MarkTransactionExecuted(ctx, transaction.ID, executionDate)
	if err != nil {
		logger.Warn("transaction update failed", "transactionId", transaction.ID, "error", err)
		return fmt.Errorf("%w: mark transaction %d executed: %v", ErrTransientStore, transaction.ID, err)
	}
	if changed {
		logger.Info("transaction executed", "transactionId", transaction.ID, "executionDate", executionDate)
	}
	return nil
}

type storage interface {
	FindConfirmation(ctx context.Context, safe common.Address, contractTxHash common.Hash, owner common.Address, ownerTxHash common.Hash) (model.MultisigConfirmation, error)
	GetTransaction(ctx context.Context, id int64) (model.MultisigTransaction, error)
	UpdateConfirmationState(ctx context.Context, id int64, state model.ConfirmationState) (bool, error)
	MarkTransactionExecuted(ctx context.Context, id int64, executionDate time.Time) (bool, error)
}

type client interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	IsApproved(ctx context.Context, safeAddress common.Address, contractTxHash common.Hash, owner common.Address) (bool, error)
	IsExecuted(ctx context.Context, safeAddress common.Address, contractTxHash common.Hash) (bool, error)
}

type reconciler struct {
	storage    storage
	client     client
	retryAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}
