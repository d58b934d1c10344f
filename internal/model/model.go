package model

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by every record store when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

type TransactionState string

const (
	TransactionPending  TransactionState = "PENDING"
	TransactionExecuted TransactionState = "EXECUTED"
)

type ConfirmationState string

const (
	ConfirmationPending ConfirmationState = "PENDING"
	ConfirmationValid   ConfirmationState = "VALID"
	ConfirmationInvalid ConfirmationState = "INVALID"
)

// CanTransitionTo reports whether a confirmation may move from s to next.
// VALID is terminal; INVALID may still be promoted once the chain proves the approval.
func (s ConfirmationState) CanTransitionTo(next ConfirmationState) bool {
	switch s {
	case ConfirmationPending:
		return next == ConfirmationValid || next == ConfirmationInvalid
	case ConfirmationInvalid:
		return next == ConfirmationValid
	}
	return false
}

// Sources lists the states from which s can be reached.
func (s ConfirmationState) Sources() []ConfirmationState {
	var sources []ConfirmationState
	for _, from := range []ConfirmationState{ConfirmationPending, ConfirmationValid, ConfirmationInvalid} {
		if from.CanTransitionTo(s) {
			sources = append(sources, from)
		}
	}
	return sources
}

type ConfirmationType string

const (
	ConfirmationTypeConfirmation ConfirmationType = "confirmation"
	ConfirmationTypeExecution    ConfirmationType = "execution"
)

func (t ConfirmationType) Valid() bool {
	return t == ConfirmationTypeConfirmation || t == ConfirmationTypeExecution
}

type MultisigTransaction struct {
	ID            int64            `json:"id" db:"id"`
	Safe          common.Address   `json:"safe" db:"safe"`
	To            common.Address   `json:"to" db:"to_address"`
	Value         decimal.Decimal  `json:"value" db:"value"`
	Data          []byte           `json:"data" db:"data"`
	Operation     uint8            `json:"operation" db:"operation"`
	Nonce         uint64           `json:"nonce" db:"nonce"`
	State         TransactionState `json:"state" db:"state"`
	ExecutionDate *time.Time       `json:"executionDate" db:"execution_date"`
	CreatedAt     time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time        `json:"updatedAt" db:"updated_at"`
}

func (t MultisigTransaction) Executed() bool {
	return t.State == TransactionExecuted
}

type MultisigConfirmation struct {
	ID                      int64             `json:"id" db:"id"`
	MultisigTransactionID   int64             `json:"multisigTransactionId" db:"multisig_transaction_id"`
	Owner                   common.Address    `json:"owner" db:"owner"`
	ContractTransactionHash common.Hash       `json:"contractTransactionHash" db:"contract_transaction_hash"`
	TransactionHash         common.Hash       `json:"transactionHash" db:"transaction_hash"`
	Type                    ConfirmationType  `json:"type" db:"type"`
	BlockNumber             uint64            `json:"blockNumber" db:"block_number"`
	BlockDateTime           time.Time         `json:"blockDateTime" db:"block_date_time"`
	State                   ConfirmationState `json:"state" db:"state"`
	CreatedAt               time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt               time.Time         `json:"updatedAt" db:"updated_at"`
}

func (c MultisigConfirmation) Valid() bool {
	return c.State == ConfirmationValid
}
