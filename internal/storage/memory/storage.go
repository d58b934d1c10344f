package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avalkov/safe-transaction-history/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func NewStorage() *storage {
	return &storage{
		transactions:  make(map[int64]model.MultisigTransaction),
		confirmations: make(map[int64]model.MultisigConfirmation),
		users:         make(map[string]string),
		now:           time.Now,
	}
}

func (s *storage) CreateTransaction(ctx context.Context, transaction model.MultisigTransaction) (model.MultisigTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.transactions {
		if sameIdentity(existing, transaction) {
			return existing, nil
		}
	}

	now := s.now().UTC()
	s.lastTransactionID++
	transaction.ID = s.lastTransactionID
	transaction.State = model.TransactionPending
	transaction.ExecutionDate = nil
	transaction.CreatedAt = now
	transaction.UpdatedAt = now
	s.transactions[transaction.ID] = transaction

	return transaction, nil
}

func (s *storage) CreateConfirmation(ctx context.Context, confirmation model.MultisigConfirmation) (model.MultisigConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[confirmation.MultisigTransactionID]; !ok {
		return model.MultisigConfirmation{}, model.ErrNotFound
	}

	for _, existing := range s.confirmations {
		if existing.MultisigTransactionID == confirmation.MultisigTransactionID &&
			existing.Owner == confirmation.Owner &&
			existing.TransactionHash == confirmation.TransactionHash {
			return existing, nil
		}
	}

	now := s.now().UTC()
	s.lastConfirmationID++
	confirmation.ID = s.lastConfirmationID
	confirmation.State = model.ConfirmationPending
	confirmation.CreatedAt = now
	confirmation.UpdatedAt = now
	s.confirmations[confirmation.ID] = confirmation

	return confirmation, nil
}

func (s *storage) FindConfirmation(ctx context.Context, safe common.Address, contractTxHash common.Hash,
	owner common.Address, ownerTxHash common.Hash) (model.MultisigConfirmation, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.confirmations {
		if c.ContractTransactionHash != contractTxHash || c.Owner != owner || c.TransactionHash != ownerTxHash {
			continue
		}
		if tx, ok := s.transactions[c.MultisigTransactionID]; ok && tx.Safe == safe {
			return c, nil
		}
	}

	return model.MultisigConfirmation{}, model.ErrNotFound
}

func (s *storage) FindTransaction(ctx context.Context, safe, to common.Address, value decimal.Decimal, nonce uint64) (model.MultisigTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []model.MultisigTransaction
	for _, tx := range s.transactions {
		if tx.Safe == safe && tx.To == to && tx.Value.Equal(value) && tx.Nonce == nonce {
			found = append(found, tx)
		}
	}
	if len(found) == 0 {
		return model.MultisigTransaction{}, model.ErrNotFound
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found[0], nil
}

func (s *storage) GetTransaction(ctx context.Context, id int64) (model.MultisigTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tx, ok := s.transactions[id]; ok {
		return tx, nil
	}
	return model.MultisigTransaction{}, model.ErrNotFound
}

func (s *storage) ListConfirmations(ctx context.Context, transactionID int64) ([]model.MultisigConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	confirmations := []model.MultisigConfirmation{}
	for _, c := range s.confirmations {
		if c.MultisigTransactionID == transactionID {
			confirmations = append(confirmations, c)
		}
	}
	sort.Slice(confirmations, func(i, j int) bool { return confirmations[i].ID < confirmations[j].ID })

	return confirmations, nil
}

func (s *storage) GetConfirmationsByTransactionHashes(ctx context.Context, hashes []common.Hash) ([]model.MultisigConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[common.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		wanted[h] = struct{}{}
	}

	confirmations := []model.MultisigConfirmation{}
	for _, c := range s.confirmations {
		if _, ok := wanted[c.TransactionHash]; ok {
			confirmations = append(confirmations, c)
		}
	}
	sort.Slice(confirmations, func(i, j int) bool { return confirmations[i].ID < confirmations[j].ID })

	return confirmations, nil
}

func (s *storage) UpdateConfirmationState(ctx context.Context, id int64, state model.ConfirmationState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.confirmations[id]
	if !ok {
		return false, model.ErrNotFound
	}
	if !c.State.CanTransitionTo(state) {
		return false, nil
	}

	c.State = state
	c.UpdatedAt = s.now().UTC()
	s.confirmations[id] = c

	return true, nil
}

func (s *storage) MarkTransactionExecuted(ctx context.Context, id int64, executionDate time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return false, model.ErrNotFound
	}
	if tx.State == model.TransactionExecuted {
		return false, nil
	}

	date := executionDate.UTC()
	tx.State = model.TransactionExecuted
	tx.ExecutionDate = &date
	tx.UpdatedAt = s.now().UTC()
	s.transactions[id] = tx

	return true, nil
}

func (s *storage) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
}

func (s *storage) IsUserExisting(ctx context.Context, username, password string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if stored, ok := s.users[username]; ok && stored == password {
		return nil
	}
	return model.ErrNotFound
}

func sameIdentity(a, b model.MultisigTransaction) bool {
	return a.Safe == b.Safe &&
		a.To == b.To &&
		a.Value.Equal(b.Value) &&
		bytes.Equal(a.Data, b.Data) &&
		a.Operation == b.Operation &&
		a.Nonce == b.Nonce
}

type storage struct {
	mu                 sync.RWMutex
	transactions       map[int64]model.MultisigTransaction
	confirmations      map[int64]model.MultisigConfirmation
	users              map[string]string
	lastTransactionID  int64
	lastConfirmationID int64
	now                func() time.Time
}
