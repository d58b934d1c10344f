package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/avalkov/safe-transaction-history/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	transactionsCollection  = "multisig_transactions"
	confirmationsCollection = "multisig_confirmations"
	usersCollection         = "users"
	countersCollection      = "counters"

	defaultTimeout = 10 * time.Second
)

type StorageOpts struct {
	URI          string
	DatabaseName string
	Logger       *slog.Logger
}

func NewStorage(opts StorageOpts) (*storage, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetServerSelectionTimeout(5 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newStorage(client, opts.DatabaseName, opts.Logger), nil
}

func newStorage(client *mongo.Client, databaseName string, logger *slog.Logger) *storage {
	return &storage{
		client: client,
		db:     client.Database(databaseName),
		logger: logger,
		now:    time.Now,
	}
}

func (s *storage) CreateIndexes(ctx context.Context) error {
	_, err := s.db.Collection(transactionsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "safe", Value: 1},
			{Key: "to", Value: 1},
			{Key: "value", Value: 1},
			{Key: "data_hash", Value: 1},
			{Key: "operation", Value: 1},
			{Key: "nonce", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create transactions index: %w", err)
	}

	_, err = s.db.Collection(confirmationsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "multisig_transaction_id", Value: 1},
				{Key: "owner", Value: 1},
				{Key: "transaction_hash", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "transaction_hash", Value: 1}}},
		{Keys: bson.D{{Key: "contract_transaction_hash", Value: 1}, {Key: "owner", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create confirmations indexes: %w", err)
	}

	return nil
}

func (s *storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *storage) CreateTransaction(ctx context.Context, transaction model.MultisigTransaction) (model.MultisigTransaction, error) {
	id, err := s.nextID(ctx, transactionsCollection)
	if err != nil {
		return model.MultisigTransaction{}, err
	}

	now := s.now().UTC()
	transaction.ID = id
	transaction.State = model.TransactionPending
	transaction.ExecutionDate = nil
	transaction.CreatedAt = now
	transaction.UpdatedAt = now

	doc := newTransactionDocument(transaction)
	if _, err := s.db.Collection(transactionsCollection).InsertOne(ctx, doc); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return model.MultisigTransaction{}, fmt.Errorf("failed to insert transaction: %w", err)
		}

		var existing transactionDocument
		filter := bson.D{
			{Key: "safe", Value: doc.Safe},
			{Key: "to", Value: doc.To},
			{Key: "value", Value: doc.Value},
			{Key: "data_hash", Value: doc.DataHash},
			{Key: "operation", Value: doc.Operation},
			{Key: "nonce", Value: doc.Nonce},
		}
		if err := s.db.Collection(transactionsCollection).FindOne(ctx, filter).Decode(&existing); err != nil {
			return model.MultisigTransaction{}, fmt.Errorf("failed to get existing transaction: %w", err)
		}
		s.logger.Debug("transaction already stored", "id", existing.ID, "safe", doc.Safe, "nonce", doc.Nonce)
		return existing.model()
	}

	return transaction, nil
}

func (s *storage) CreateConfirmation(ctx context.Context, confirmation model.MultisigConfirmation) (model.MultisigConfirmation, error) {
	transaction, err := s.GetTransaction(ctx, confirmation.MultisigTransactionID)
	if err != nil {
		return model.MultisigConfirmation{}, err
	}

	id, err := s.nextID(ctx, confirmationsCollection)
	if err != nil {
		return model.MultisigConfirmation{}, err
	}

	now := s.now().UTC()
	confirmation.ID = id
	confirmation.State = model.ConfirmationPending
	confirmation.CreatedAt = now
	confirmation.UpdatedAt = now

	doc := newConfirmationDocument(confirmation, transaction.Safe)
	if _, err := s.db.Collection(confirmationsCollection).InsertOne(ctx, doc); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return model.MultisigConfirmation{}, fmt.Errorf("failed to insert confirmation: %w", err)
		}

		var existing confirmationDocument
		filter := bson.D{
			{Key: "multisig_transaction_id", Value: doc.MultisigTransactionID},
			{Key: "owner", Value: doc.Owner},
			{Key: "transaction_hash", Value: doc.TransactionHash},
		}
		if err := s.db.Collection(confirmationsCollection).FindOne(ctx, filter).Decode(&existing); err != nil {
			return model.MultisigConfirmation{}, fmt.Errorf("failed to get existing confirmation: %w", err)
		}
		s.logger.Debug("confirmation already stored", "id", existing.ID, "transactionHash", doc.TransactionHash)
		return existing.model(), nil
	}

	return confirmation, nil
}

func (s *storage) FindConfirmation(ctx context.Context, safe common.Address, contractTxHash common.Hash,
	owner common.Address, ownerTxHash common.Hash) (model.MultisigConfirmation, error) {

	filter := bson.D{
		{Key: "safe", Value: safe.Hex()},
		{Key: "contract_transaction_hash", Value: contractTxHash.Hex()},
		{Key: "owner", Value: owner.Hex()},
		{Key: "transaction_hash", Value: ownerTxHash.Hex()},
	}

	var doc confirmationDocument
	err := s.db.Collection(confirmationsCollection).FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.MultisigConfirmation{}, model.ErrNotFound
		}
		return model.MultisigConfirmation{}, fmt.Errorf("failed to find confirmation: %w", err)
	}

	return doc.model(), nil
}

func (s *storage) FindTransaction(ctx context.Context, safe, to common.Address, value decimal.Decimal, nonce uint64) (model.MultisigTransaction, error) {
	filter := bson.D{
		{Key: "safe", Value: safe.Hex()},
		{Key: "to", Value: to.Hex()},
		{Key: "value", Value: value.String()},
		{Key: "nonce", Value: strconv.FormatUint(nonce, 10)},
	}

	var doc transactionDocument
	err := s.db.Collection(transactionsCollection).FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.MultisigTransaction{}, model.ErrNotFound
		}
		return model.MultisigTransaction{}, fmt.Errorf("failed to find transaction: %w", err)
	}

	return doc.model()
}

func (s *storage) GetTransaction(ctx context.Context, id int64) (model.MultisigTransaction, error) {
	var doc transactionDocument
	err := s.db.Collection(transactionsCollection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.MultisigTransaction{}, model.ErrNotFound
		}
		return model.MultisigTransaction{}, fmt.Errorf("failed to get transaction: %w", err)
	}

	return doc.model()
}

func (s *storage) ListConfirmations(ctx context.Context, transactionID int64) ([]model.MultisigConfirmation, error) {
	return s.findConfirmations(ctx, bson.D{{Key: "multisig_transaction_id", Value: transactionID}})
}

func (s *storage) GetConfirmationsByTransactionHashes(ctx context.Context, hashes []common.Hash) ([]model.MultisigConfirmation, error) {
	if len(hashes) == 0 {
		return []model.MultisigConfirmation{}, nil
	}

	hexHashes := make([]string, len(hashes))
	for i, h := range hashes {
		hexHashes[i] = h.Hex()
	}

	return s.findConfirmations(ctx, bson.D{{Key: "transaction_hash", Value: bson.D{{Key: "$in", Value: hexHashes}}}})
}

func (s *storage) UpdateConfirmationState(ctx context.Context, id int64, state model.ConfirmationState) (bool, error) {
	sources := state.Sources()
	if len(sources) == 0 {
		return false, nil
	}

	allowed := make([]string, len(sources))
	for i, source := range sources {
		allowed[i] = string(source)
	}

	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "state", Value: bson.D{{Key: "$in", Value: allowed}}},
	}
	update := bson.D{{
		Key: "$set",
		Value: bson.D{
			{Key: "state", Value: string(state)},
			{Key: "updated_at", Value: s.now().UTC()},
		},
	}}

	result, err := s.db.Collection(confirmationsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to update confirmation state: %w", err)
	}

	return s.changedOrMissing(ctx, confirmationsCollection, id, result)
}

func (s *storage) MarkTransactionExecuted(ctx context.Context, id int64, executionDate time.Time) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "state", Value: bson.D{{Key: "$ne", Value: string(model.TransactionExecuted)}}},
	}
	update := bson.D{{
		Key: "$set",
		Value: bson.D{
			{Key: "state", Value: string(model.TransactionExecuted)},
			{Key: "execution_date", Value: executionDate.UTC()},
			{Key: "updated_at", Value: s.now().UTC()},
		},
	}}

	result, err := s.db.Collection(transactionsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to mark transaction executed: %w", err)
	}

	return s.changedOrMissing(ctx, transactionsCollection, id, result)
}

func (s *storage) IsUserExisting(ctx context.Context, username, password string) error {
	count, err := s.db.Collection(usersCollection).CountDocuments(ctx, bson.D{
		{Key: "username", Value: username},
		{Key: "password", Value: password},
	})
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if count == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *storage) findConfirmations(ctx context.Context, filter bson.D) ([]model.MultisigConfirmation, error) {
	cursor, err := s.db.Collection(confirmationsCollection).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to find confirmations: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []confirmationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode confirmations: %w", err)
	}

	confirmations := make([]model.MultisigConfirmation, 0, len(docs))
	for _, doc := range docs {
		confirmations = append(confirmations, doc.model())
	}
	return confirmations, nil
}

// nextID hands out sequential int64 ids per collection from the counters collection.
func (s *storage) nextID(ctx context.Context, collection string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}

	err := s.db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: collection}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s id: %w", collection, err)
	}

	return counter.Seq, nil
}

func (s *storage) changedOrMissing(ctx context.Context, collection string, id int64, result *mongo.UpdateResult) (bool, error) {
	if result.ModifiedCount > 0 {
		return true, nil
	}

	count, err := s.db.Collection(collection).CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return false, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	if count == 0 {
		return false, model.ErrNotFound
	}
	return false, nil
}

type transactionDocument struct {
	ID            int64      `bson:"_id"`
	Safe          string     `bson:"safe"`
	To            string     `bson:"to"`
	Value         string     `bson:"value"`
	Data          string     `bson:"data"`
	DataHash      string     `bson:"data_hash"`
	Operation     int32      `bson:"operation"`
	Nonce         string     `bson:"nonce"`
	State         string     `bson:"state"`
	ExecutionDate *time.Time `bson:"execution_date,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

func newTransactionDocument(tx model.MultisigTransaction) transactionDocument {
	return transactionDocument{
		ID:            tx.ID,
		Safe:          tx.Safe.Hex(),
		To:            tx.To.Hex(),
		Value:         tx.Value.String(),
		Data:          hexutil.Encode(tx.Data),
		DataHash:      crypto.Keccak256Hash(tx.Data).Hex(),
		Operation:     int32(tx.Operation),
		Nonce:         strconv.FormatUint(tx.Nonce, 10),
		State:         string(tx.State),
		ExecutionDate: tx.ExecutionDate,
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
	}
}

func (d transactionDocument) model() (model.MultisigTransaction, error) {
	value, err := decimal.NewFromString(d.Value)
	if err != nil {
		return model.MultisigTransaction{}, fmt.Errorf("failed to parse value of transaction %d: %w", d.ID, err)
	}
	data, err := hexutil.Decode(d.Data)
	if err != nil {
		return model.MultisigTransaction{}, fmt.Errorf("failed to parse data of transaction %d: %w", d.ID, err)
	}
	nonce, err := strconv.ParseUint(d.Nonce, 10, 64)
	if err != nil {
		return model.MultisigTransaction{}, fmt.Errorf("failed to parse nonce of transaction %d: %w", d.ID, err)
	}

	var executionDate *time.Time
	if d.ExecutionDate != nil {
		date := d.ExecutionDate.UTC()
		executionDate = &date
	}

	return model.MultisigTransaction{
		ID:            d.ID,
		Safe:          common.HexToAddress(d.Safe),
		To:            common.HexToAddress(d.To),
		Value:         value,
		Data:          data,
		Operation:     uint8(d.Operation),
		Nonce:         nonce,
		State:         model.TransactionState(d.State),
		ExecutionDate: executionDate,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}, nil
}

type confirmationDocument struct {
	ID                      int64     `bson:"_id"`
	MultisigTransactionID   int64     `bson:"multisig_transaction_id"`
	Safe                    string    `bson:"safe"`
	Owner                   string    `bson:"owner"`
	ContractTransactionHash string    `bson:"contract_transaction_hash"`
	TransactionHash         string    `bson:"transaction_hash"`
	Type                    string    `bson:"type"`
	BlockNumber             int64     `bson:"block_number"`
	BlockDateTime           time.Time `bson:"block_date_time"`
	State                   string    `bson:"state"`
	CreatedAt               time.Time `bson:"created_at"`
	UpdatedAt               time.Time `bson:"updated_at"`
}

func newConfirmationDocument(c model.MultisigConfirmation, safe common.Address) confirmationDocument {
	return confirmationDocument{
		ID:                      c.ID,
		MultisigTransactionID:   c.MultisigTransactionID,
		Safe:                    safe.Hex(),
		Owner:                   c.Owner.Hex(),
		ContractTransactionHash: c.ContractTransactionHash.Hex(),
		TransactionHash:         c.TransactionHash.Hex(),
		Type:                    string(c.Type),
		BlockNumber:             int64(c.BlockNumber),
		BlockDateTime:           c.BlockDateTime.UTC(),
		State:                   string(c.State),
		CreatedAt:               c.CreatedAt,
		UpdatedAt:               c.UpdatedAt,
	}
}

func (d confirmationDocument) model() model.MultisigConfirmation {
	return model.MultisigConfirmation{
		ID:                      d.ID,
		MultisigTransactionID:   d.MultisigTransactionID,
		Owner:                   common.HexToAddress(d.Owner),
		ContractTransactionHash: common.HexToHash(d.ContractTransactionHash),
		TransactionHash:         common.HexToHash(d.TransactionHash),
		Type:                    model.ConfirmationType(d.Type),
		BlockNumber:             uint64(d.BlockNumber),
		BlockDateTime:           d.BlockDateTime.UTC(),
		State:                   model.ConfirmationState(d.State),
		CreatedAt:               d.CreatedAt.UTC(),
		UpdatedAt:               d.UpdatedAt.UTC(),
	}
}

type storage struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
	now    func() time.Time
}
