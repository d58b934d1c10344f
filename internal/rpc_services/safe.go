package rpcservices

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/avalkov/safe-transaction-history/internal/chain"
	"github.com/avalkov/safe-transaction-history/internal/model"
	"github.com/avalkov/safe-transaction-history/internal/reconciler"
	rpccodecs "github.com/avalkov/safe-transaction-history/internal/rpc_codecs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/umbracle/fastrlp"
)

const CodeUnauthorized = -32001

var maxUint256 = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)), 0)

func NewSafeService(storage storage, authenticator authenticator, rc jobReconciler, queue queue, logger *slog.Logger) *Safe {
	if logger == nil {
		logger = slog.Default()
	}

	return &Safe{
		storage:       storage,
		authenticator: authenticator,
		reconciler:    rc,
		queue:         queue,
		logger:        logger,
	}
}

func (s *Safe) Authenticate(r *http.Request, request *AuthenticateRequest, reply *AuthenticateReply) error {
	if request.Username == "" || request.Password == "" {
		return invalidParams("invalid credentials")
	}

	tokenString, err := s.authenticator.Authenticate(r.Context(), request.Username, request.Password)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return &rpccodecs.Error{Code: CodeUnauthorized, Message: "invalid credentials"}
		}
		return err
	}

	reply.Token = tokenString

	return nil
}

// RecordConfirmation stores an observed owner action as a PENDING confirmation
// and queues its reconciliation.
func (s *Safe) RecordConfirmation(r *http.Request, request *RecordConfirmationRequest, reply *RecordConfirmationReply) error {
	observer, err := s.verify(request.Token)
	if err != nil {
		return err
	}

	if !request.Type.Valid() {
		return invalidParams(fmt.Sprintf("unknown confirmation type %q", request.Type))
	}
	if request.Value.IsNegative() || request.Value.GreaterThan(maxUint256) || !request.Value.Equal(request.Value.Truncate(0)) {
		return invalidParams("value must be an unsigned 256-bit integer")
	}
	if request.Operation > 2 {
		return invalidParams(fmt.Sprintf("unknown operation %d", request.Operation))
	}

	contractTxHash := chain.SafeTransactionHash(request.Safe, request.To, request.Value.BigInt(), request.Data, request.Operation, request.Nonce)
	if request.ContractTransactionHash != nil && *request.ContractTransactionHash != contractTxHash {
		return invalidParams(fmt.Sprintf("contractTransactionHash %s does not match the transaction fields", request.ContractTransactionHash.Hex()))
	}

	ctx := r.Context()

	transaction, err := s.storage.CreateTransaction(ctx, model.MultisigTransaction{
		Safe:      request.Safe,
		To:        request.To,
		Value:     request.Value,
		Data:      request.Data,
		Operation: request.Operation,
		Nonce:     request.Nonce,
	})
	if err != nil {
		return fmt.Errorf("failed to store transaction: %w", err)
	}

	confirmation, err := s.storage.CreateConfirmation(ctx, model.MultisigConfirmation{
		MultisigTransactionID:   transaction.ID,
		Owner:                   request.Owner,
		ContractTransactionHash: contractTxHash,
		TransactionHash:         request.TransactionHash,
		Type:                    request.Type,
		BlockNumber:             request.BlockNumber,
		BlockDateTime:           request.BlockDateTime,
	})
	if err != nil {
		return fmt.Errorf("failed to store confirmation: %w", err)
	}

	reply.TransactionID = transaction.ID
	reply.ConfirmationID = confirmation.ID
	reply.ContractTransactionHash = contractTxHash

	err = s.queue.Enqueue(reconciler.Job{
		SafeAddress:             request.Safe,
		ContractTransactionHash: contractTxHash,
		OwnerTransactionHash:    request.TransactionHash,
		OwnerAddress:            request.Owner,
		AllowRetry:              true,
	})
	if err != nil {
		s.logger.Warn("confirmation stored but not queued", "confirmationId", confirmation.ID, "error", err)
		return nil
	}
	reply.Queued = true

	s.logger.Info("confirmation recorded", "observer", observer, "confirmationId", confirmation.ID,
		"transactionId", transaction.ID, "ownerTxHash", request.TransactionHash.Hex())

	return nil
}

// Reconcile runs one reconciliation synchronously, without retries.
func (s *Safe) Reconcile(r *http.Request, request *ReconcileRequest, reply *ReconcileReply) error {
	if _, err := s.verify(request.Token); err != nil {
		return err
	}

	outcome := s.reconciler.Reconcile(r.Context(), request.Job)

	reply.Outcome = outcome.Kind.String()
	reply.Executed = outcome.Executed
	if outcome.RetryAfter > 0 {
		reply.RetryAfter = outcome.RetryAfter.String()
	}
	if outcome.Err != nil {
		reply.Error = outcome.Err.Error()
	}

	return nil
}

func (s *Safe) GetTransaction(r *http.Request, request *GetTransactionRequest, reply *GetTransactionReply) error {
	ctx := r.Context()

	transaction, err := s.storage.FindTransaction(ctx, request.Safe, request.To, request.Value, request.Nonce)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return invalidParams("transaction not found")
		}
		return err
	}

	confirmations, err := s.storage.ListConfirmations(ctx, transaction.ID)
	if err != nil {
		return err
	}

	reply.Transaction = transaction
	reply.Confirmations = confirmations

	return nil
}

// GetConfirmations takes an RLP encoded list of owner transaction hashes, hex
// encoded, as its first param.
func (s *Safe) GetConfirmations(r *http.Request, args *[]string, reply *GetConfirmationsReply) error {
	if len(*args) == 0 {
		return invalidParams("missing tx hashes")
	}

	hashes, err := parseHashList((*args)[0])
	if err != nil {
		return invalidParams(err.Error())
	}

	reply.Confirmations, err = s.storage.GetConfirmationsByTransactionHashes(r.Context(), hashes)

	return err
}

func (s *Safe) verify(token string) (string, error) {
	if token == "" {
		return "", &rpccodecs.Error{Code: CodeUnauthorized, Message: "missing token"}
	}
	username, err := s.authenticator.VerifyToken(token)
	if err != nil {
		return "", &rpccodecs.Error{Code: CodeUnauthorized, Message: err.Error()}
	}
	return username, nil
}

func parseHashList(encoded string) ([]common.Hash, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(encoded, " ", ""), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}

	parser := &fastrlp.Parser{}
	list, err := parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid rlp: %w", err)
	}
	if list.Type() != fastrlp.TypeArray {
		return nil, errors.New("rlp value is not a list")
	}

	hashes := make([]common.Hash, 0, list.Elems())
	for i := 0; i < list.Elems(); i++ {
		var hash common.Hash
		if err := list.Get(i).GetHash(hash[:]); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		hashes = append(hashes, hash)
	}

	return hashes, nil
}

func invalidParams(message string) error {
	return &rpccodecs.Error{Code: rpccodecs.CodeInvalidParams, Message: message}
}

type AuthenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthenticateReply struct {
	Token string `json:"token"`
}

type RecordConfirmationRequest struct {
	Token                   string                 `json:"token"`
	Safe                    common.Address         `json:"safe"`
	To                      common.Address         `json:"to"`
	Value                   decimal.Decimal        `json:"value"`
	Data                    hexutil.Bytes          `json:"data"`
	Operation               uint8                  `json:"operation"`
	Nonce                   uint64                 `json:"nonce"`
	Owner                   common.Address         `json:"owner"`
	ContractTransactionHash *common.Hash           `json:"contractTransactionHash,omitempty"`
	TransactionHash         common.Hash            `json:"transactionHash"`
	Type                    model.ConfirmationType `json:"type"`
	BlockNumber             uint64                 `json:"blockNumber"`
	BlockDateTime           time.Time              `json:"blockDateTime"`
}

type RecordConfirmationReply struct {
	TransactionID           int64       `json:"transactionId"`
	ConfirmationID          int64       `json:"confirmationId"`
	ContractTransactionHash common.Hash `json:"contractTransactionHash"`
	Queued                  bool        `json:"queued"`
}

type ReconcileRequest struct {
	Token string `json:"token"`
	reconciler.Job
}

type ReconcileReply struct {
	Outcome    string `json:"outcome"`
	Executed   bool   `json:"executed"`
	RetryAfter string `json:"retryAfter,omitempty"`
	Error      string `json:"error,omitempty"`
}

type GetTransactionRequest struct {
	Safe  common.Address  `json:"safe"`
	To    common.Address  `json:"to"`
	Value decimal.Decimal `json:"value"`
	Nonce uint64          `json:"nonce"`
}

type GetTransactionReply struct {
	Transaction   model.MultisigTransaction    `json:"transaction"`
	Confirmations []model.MultisigConfirmation `json:"confirmations"`
}

type GetConfirmationsReply struct {
	Confirmations []model.MultisigConfirmation `json:"confirmations"`
}

type storage interface {
	CreateTransaction(ctx context.Context, transaction model.MultisigTransaction) (model.MultisigTransaction, error)
	CreateConfirmation(ctx context.Context, confirmation model.MultisigConfirmation) (model.MultisigConfirmation, error)
	FindTransaction(ctx context.Context, safe, to common.Address, value decimal.Decimal, nonce uint64) (model.MultisigTransaction, error)
	ListConfirmations(ctx context.Context, transactionID int64) ([]model.MultisigConfirmation, error)
	GetConfirmationsByTransactionHashes(ctx context.Context, hashes []common.Hash) ([]model.MultisigConfirmation, error)
}

type authenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
	VerifyToken(token string) (string, error)
}

type jobReconciler interface {
	Reconcile(ctx context.Context, job reconciler.Job) reconciler.Outcome
}

type queue interface {
	Enqueue(job reconciler.Job) error
}

type Safe struct {
	storage       storage
	authenticator authenticator
	reconciler    jobReconciler
	queue         queue
	logger        *slog.Logger
}
