package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/avalkov/safe-transaction-history/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	safeAddress = common.HexToAddress("0x2aaB3573eCFD2950a30B75B6f3651b84F4e130da")
	owner       = common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
)

func newTransaction() model.MultisigTransaction {
	return model.MultisigTransaction{
		Safe:  safeAddress,
		To:    owner,
		Value: decimal.NewFromInt(50000000000000000),
		Nonce: 3,
	}
}

func TestCreateTransactionReturnsExisting(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()

	first, err := s.CreateTransaction(ctx, newTransaction())
	require.NoError(t, err)
	require.Equal(t, model.TransactionPending, first.State)

	second, err := s.CreateTransaction(ctx, newTransaction())
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	other := newTransaction()
	other.Nonce = 4
	third, err := s.CreateTransaction(ctx, other)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)

	found, err := s.FindTransaction(ctx, safeAddress, owner, decimal.NewFromInt(50000000000000000), 3)
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)

	_, err = s.FindTransaction(ctx, safeAddress, owner, decimal.NewFromInt(1), 3)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestConfirmationLookupAndTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()

	tx, err := s.CreateTransaction(ctx, newTransaction())
	require.NoError(t, err)

	contractHash := common.HexToHash("0x01")
	ownerHash := common.HexToHash("0x02")
	c, err := s.CreateConfirmation(ctx, model.MultisigConfirmation{
		MultisigTransactionID:   tx.ID,
		Owner:                   owner,
		ContractTransactionHash: contractHash,
		TransactionHash:         ownerHash,
		Type:                    model.ConfirmationTypeConfirmation,
	})
	require.NoError(t, err)
	require.Equal(t, model.ConfirmationPending, c.State)

	duplicate, err := s.CreateConfirmation(ctx, c)
	require.NoError(t, err)
	require.Equal(t, c.ID, duplicate.ID)

	found, err := s.FindConfirmation(ctx, safeAddress, contractHash, owner, ownerHash)
	require.NoError(t, err)
	require.Equal(t, c.ID, found.ID)

	_, err = s.FindConfirmation(ctx, common.HexToAddress("0x03"), contractHash, owner, ownerHash)
	require.ErrorIs(t, err, model.ErrNotFound)

	changed, err := s.UpdateConfirmationState(ctx, c.ID, model.ConfirmationInvalid)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.UpdateConfirmationState(ctx, c.ID, model.ConfirmationValid)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.UpdateConfirmationState(ctx, c.ID, model.ConfirmationInvalid)
	require.NoError(t, err)
	require.False(t, changed)

	byHash, err := s.GetConfirmationsByTransactionHashes(ctx, []common.Hash{ownerHash, common.HexToHash("0x09")})
	require.NoError(t, err)
	require.Len(t, byHash, 1)
	require.Equal(t, model.ConfirmationValid, byHash[0].State)

	_, err = s.CreateConfirmation(ctx, model.MultisigConfirmation{MultisigTransactionID: 42})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestMarkTransactionExecutedOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()

	tx, err := s.CreateTransaction(ctx, newTransaction())
	require.NoError(t, err)

	first := time.Date(2018, 5, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := s.MarkTransactionExecuted(ctx, tx.ID, first)
			if err != nil {
				t.Error(err)
			}
			results <- changed
		}()
	}
	wg.Wait()
	close(results)

	changes := 0
	for changed := range results {
		if changed {
			changes++
		}
	}
	require.Equal(t, 1, changes)

	changed, err := s.MarkTransactionExecuted(ctx, tx.ID, second)
	require.NoError(t, err)
	require.False(t, changed)

	stored, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, stored.Executed())
	require.Equal(t, first, *stored.ExecutionDate)
}

func TestIsUserExisting(t *testing.T) {
	s := NewStorage()
	s.AddUser("observer", "secret")

	require.NoError(t, s.IsUserExisting(context.Background(), "observer", "secret"))
	require.ErrorIs(t, s.IsUserExisting(context.Background(), "observer", "wrong"), model.ErrNotFound)
}
