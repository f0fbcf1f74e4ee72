package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB.
// Conditional writes use single-document filters, so each primitive is atomic per document.
type MongoDBStore struct {
	client       *mongo.Client
	vouchers     *mongo.Collection
	transactions *mongo.Collection
}

type mongoVoucher struct {
	Code             string     `bson:"_id"`
	ProductName      string     `bson:"product_name"`
	Amount           int64      `bson:"amount"`
	DiscountedAmount *int64     `bson:"discounted_amount,omitempty"`
	Used             bool       `bson:"used"`
	UsedBy           string     `bson:"used_by,omitempty"`
	UsedAt           *time.Time `bson:"used_at"`
	ExpiryDate       *time.Time `bson:"expiry_date"`
	CreatedAt        time.Time  `bson:"created_at"`
}

type mongoTransaction struct {
	TempID           string    `bson:"_id"`
	TransactionID    *string   `bson:"transaction_id,omitempty"`
	BillLinkID       string    `bson:"bill_link_id,omitempty"`
	Email            string    `bson:"email"`
	Name             string    `bson:"name"`
	ProductName      string    `bson:"product_name"`
	Amount           int64     `bson:"amount"`
	DiscountedAmount *int64    `bson:"discounted_amount,omitempty"`
	EffectiveAmount  int64     `bson:"effective_amount"`
	VoucherCode      *string   `bson:"voucher_code,omitempty"`
	Status           string    `bson:"status"`
	PaymentMethod    string    `bson:"payment_method,omitempty"`
	ExpiryDate       time.Time `bson:"expiry_date"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

func toMongoVoucher(v Voucher) mongoVoucher {
	return mongoVoucher{
		Code:             v.Code,
		ProductName:      v.ProductName,
		Amount:           v.Amount,
		DiscountedAmount: v.DiscountedAmount,
		Used:             v.Used,
		UsedBy:           v.UsedBy,
		UsedAt:           v.UsedAt,
		ExpiryDate:       v.ExpiryDate,
		CreatedAt:        v.CreatedAt,
	}
}

func (d mongoVoucher) toVoucher() Voucher {
	v := Voucher{
		Code:             d.Code,
		ProductName:      d.ProductName,
		Amount:           d.Amount,
		DiscountedAmount: d.DiscountedAmount,
		Used:             d.Used,
		UsedBy:           d.UsedBy,
		CreatedAt:        d.CreatedAt.UTC(),
	}
	if d.UsedAt != nil {
		v.UsedAt = ptrTime(d.UsedAt.UTC())
	}
	if d.ExpiryDate != nil {
		v.ExpiryDate = ptrTime(d.ExpiryDate.UTC())
	}
	return v
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toMongoTransaction(tx Transaction) mongoTransaction {
	return mongoTransaction{
		TempID:           tx.TempID,
		TransactionID:    optionalString(tx.TransactionID),
		BillLinkID:       tx.BillLinkID,
		Email:            tx.Email,
		Name:             tx.Name,
		ProductName:      tx.ProductName,
		Amount:           tx.Amount,
		DiscountedAmount: tx.DiscountedAmount,
		EffectiveAmount:  tx.EffectiveAmount(),
		VoucherCode:      optionalString(tx.VoucherCode),
		Status:           string(tx.Status),
		PaymentMethod:    tx.PaymentMethod,
		ExpiryDate:       tx.ExpiryDate,
		CreatedAt:        tx.CreatedAt,
		UpdatedAt:        tx.UpdatedAt,
	}
}

func (d mongoTransaction) toTransaction() Transaction {
	return Transaction{
		TempID:           d.TempID,
		TransactionID:    derefString(d.TransactionID),
		BillLinkID:       d.BillLinkID,
		Email:            d.Email,
		Name:             d.Name,
		ProductName:      d.ProductName,
		Amount:           d.Amount,
		DiscountedAmount: d.DiscountedAmount,
		VoucherCode:      derefString(d.VoucherCode),
		Status:           Status(d.Status),
		PaymentMethod:    d.PaymentMethod,
		ExpiryDate:       d.ExpiryDate.UTC(),
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
}

// NewMongoDBStore connects to MongoDB and prepares the voucher and transaction collections.
func NewMongoDBStore(ctx context.Context, connectionString, database, vouchersCollection, transactionsCollection string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	if vouchersCollection == "" {
		vouchersCollection = "vouchers"
	}
	if transactionsCollection == "" {
		transactionsCollection = "transactions"
	}
	db := client.Database(database)
	store := &MongoDBStore{
		client:       client,
		vouchers:     db.Collection(vouchersCollection),
		transactions: db.Collection(transactionsCollection),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// createIndexes creates necessary indexes for collections.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.vouchers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "product_name", Value: 1}, {Key: "used", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create voucher indexes: %w", err)
	}

	_, err = s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "voucher_code", Value: 1}},
			Options: options.Index().SetName("pending_voucher").SetUnique(true).SetPartialFilterExpression(bson.M{
				"status":       string(StatusPending),
				"voucher_code": bson.M{"$type": "string"},
			}),
		},
		{
			Keys: bson.D{{Key: "transaction_id", Value: 1}},
			Options: options.Index().SetName("gateway_transaction_id").SetUnique(true).SetPartialFilterExpression(bson.M{
				"transaction_id": bson.M{"$type": "string"},
			}),
		},
		{Keys: bson.D{{Key: "bill_link_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expiry_date", Value: 1}}},
		{Keys: bson.D{{Key: "email", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create transaction indexes: %w", err)
	}
	return nil
}

func translateMongoWriteError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		if strings.Contains(err.Error(), "pending_voucher") {
			return ErrVoucherTaken
		}
		return ErrDuplicate
	}
	return err
}

// AddVouchers inserts vouchers, skipping codes that already exist.
func (s *MongoDBStore) AddVouchers(ctx context.Context, vouchers []Voucher) (int, error) {
	if len(vouchers) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(vouchers))
	for i := range vouchers {
		if err := validateAndPrepareVoucher(&vouchers[i], now); err != nil {
			return 0, err
		}
		doc := toMongoVoucher(vouchers[i])
		doc.Used = false
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": doc.Code}).
			SetUpdate(bson.M{"$setOnInsert": doc}).
			SetUpsert(true))
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.vouchers.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("insert vouchers: %w", err)
	}
	return int(res.UpsertedCount), nil
}

// GetVoucher retrieves a voucher by code.
func (s *MongoDBStore) GetVoucher(ctx context.Context, code string) (Voucher, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoVoucher
	err := s.vouchers.FindOne(ctx, bson.M{"_id": code}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Voucher{}, ErrNotFound
	}
	if err != nil {
		return Voucher{}, fmt.Errorf("get voucher: %w", err)
	}
	return doc.toVoucher(), nil
}

// ClaimVoucher atomically reserves the oldest unused voucher for product.
func (s *MongoDBStore) ClaimVoucher(ctx context.Context, product string) (Voucher, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"used": false}
	if product != "" {
		filter["product_name"] = product
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var doc mongoVoucher
	err := s.vouchers.FindOneAndUpdate(ctx, filter, bson.M{"$set": bson.M{"used": true}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Voucher{}, ErrNoVoucherAvailable
	}
	if err != nil {
		return Voucher{}, fmt.Errorf("claim voucher: %w", err)
	}
	return doc.toVoucher(), nil
}

// ReleaseVoucher returns a reserved, unsold voucher to the pool.
func (s *MongoDBStore) ReleaseVoucher(ctx context.Context, code string) (bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.vouchers.UpdateOne(ctx,
		bson.M{"_id": code, "used": true, "used_at": nil},
		bson.M{"$set": bson.M{"used": false}, "$unset": bson.M{"used_by": ""}},
	)
	if err != nil {
		return false, fmt.Errorf("release voucher: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

// FinalizeVoucher records the sale once; later calls return the stored voucher.
func (s *MongoDBStore) FinalizeVoucher(ctx context.Context, code, usedBy string, usedAt time.Time, validity time.Duration) (Voucher, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	usedAt = usedAt.UTC()
	update := bson.M{"$set": bson.M{
		"used":        true,
		"used_by":     normalizeEmail(usedBy),
		"used_at":     usedAt,
		"expiry_date": usedAt.Add(validityOrDefault(validity)),
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoVoucher
	err := s.vouchers.FindOneAndUpdate(ctx, bson.M{"_id": code, "used_at": nil}, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return s.GetVoucher(ctx, code)
	}
	if err != nil {
		return Voucher{}, fmt.Errorf("finalize voucher: %w", err)
	}
	return doc.toVoucher(), nil
}

// BackfillVoucherExpiry sets expiry_date from used_at when it was never recorded.
func (s *MongoDBStore) BackfillVoucherExpiry(ctx context.Context, code string, usedAt time.Time, validity time.Duration) (bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	current, err := s.GetVoucher(ctx, code)
	if err != nil {
		return false, err
	}
	if current.ExpiryDate != nil {
		return false, nil
	}
	base := usedAt.UTC()
	if current.UsedAt != nil {
		base = *current.UsedAt
	}

	res, err := s.vouchers.UpdateOne(ctx,
		bson.M{"_id": code, "expiry_date": nil},
		bson.M{"$set": bson.M{
			"used":        true,
			"used_at":     base,
			"expiry_date": base.Add(validityOrDefault(validity)),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("backfill voucher expiry: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

// DeleteVoucher removes a voucher from the pool.
func (s *MongoDBStore) DeleteVoucher(ctx context.Context, code string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.vouchers.DeleteOne(ctx, bson.M{"_id": code})
	if err != nil {
		return fmt.Errorf("delete voucher: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// InventorySummary groups the pool by product.
func (s *MongoDBStore) InventorySummary(ctx context.Context) ([]InventoryItem, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":               "$product_name",
			"total":             bson.M{"$sum": 1},
			"available":         bson.M{"$sum": bson.M{"$cond": bson.A{"$used", 0, 1}}},
			"amount":            bson.M{"$min": "$amount"},
			"discounted_amount": bson.M{"$min": "$discounted_amount"},
		}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
	}
	cursor, err := s.vouchers.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate inventory: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ProductName      string `bson:"_id"`
		Total            int    `bson:"total"`
		Available        int    `bson:"available"`
		Amount           int64  `bson:"amount"`
		DiscountedAmount *int64 `bson:"discounted_amount"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}

	items := make([]InventoryItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, InventoryItem{
			ProductName:      r.ProductName,
			Available:        r.Available,
			Total:            r.Total,
			Amount:           r.Amount,
			DiscountedAmount: r.DiscountedAmount,
		})
	}
	return items, nil
}

// CreateTransaction inserts a transaction into the ledger.
func (s *MongoDBStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	if err := validateAndPrepareTransaction(&tx, time.Now().UTC()); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if _, err := s.transactions.InsertOne(ctx, toMongoTransaction(tx)); err != nil {
		if mapped := translateMongoWriteError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *MongoDBStore) findTransaction(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoTransaction
	err := s.transactions.FindOne(ctx, filter, opts...).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return doc.toTransaction(), nil
}

// GetTransaction retrieves a transaction by temp id.
func (s *MongoDBStore) GetTransaction(ctx context.Context, tempID string) (Transaction, error) {
	return s.findTransaction(ctx, bson.M{"_id": tempID})
}

// GetTransactionByGatewayID retrieves a transaction by gateway transaction id.
func (s *MongoDBStore) GetTransactionByGatewayID(ctx context.Context, transactionID string) (Transaction, error) {
	if transactionID == "" {
		return Transaction{}, ErrNotFound
	}
	return s.findTransaction(ctx, bson.M{"transaction_id": transactionID})
}

// GetTransactionByBillLinkID retrieves a transaction by bill link id.
func (s *MongoDBStore) GetTransactionByBillLinkID(ctx context.Context, billLinkID string) (Transaction, error) {
	if billLinkID == "" {
		return Transaction{}, ErrNotFound
	}
	return s.findTransaction(ctx, bson.M{"bill_link_id": billLinkID},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

// FindLatestPending returns the newest PENDING transaction for an email and effective amount.
func (s *MongoDBStore) FindLatestPending(ctx context.Context, q PendingQuery) (Transaction, error) {
	filter := bson.M{"email": normalizeEmail(q.Email), "status": string(StatusPending)}
	if q.Amount > 0 {
		filter["effective_amount"] = q.Amount
	}
	if q.Unlinked {
		filter["transaction_id"] = nil
	}
	return s.findTransaction(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

// LinkGateway attaches gateway identifiers while the transaction is PENDING.
func (s *MongoDBStore) LinkGateway(ctx context.Context, tempID, transactionID, billLinkID string) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	if transactionID != "" {
		set["transaction_id"] = transactionID
	}
	if billLinkID != "" {
		set["bill_link_id"] = billLinkID
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.transactions.UpdateOne(ctx, bson.M{"_id": tempID, "status": string(StatusPending)}, bson.M{"$set": set})
	if err != nil {
		if mapped := translateMongoWriteError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("link gateway: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetTransaction(ctx, tempID); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// TransitionStatus applies t only while the document is PENDING.
// On ErrNotPending the current document is returned alongside the error.
func (s *MongoDBStore) TransitionStatus(ctx context.Context, tempID string, t Transition) (Transaction, error) {
	set := bson.M{"status": string(t.To), "updated_at": transitionAt(t).UTC()}
	if t.TransactionID != "" {
		set["transaction_id"] = t.TransactionID
	}
	if t.BillLinkID != "" {
		set["bill_link_id"] = t.BillLinkID
	}
	if t.VoucherCode != "" {
		set["voucher_code"] = t.VoucherCode
	}
	if t.PaymentMethod != "" {
		set["payment_method"] = t.PaymentMethod
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoTransaction
	err := s.transactions.FindOneAndUpdate(ctx,
		bson.M{"_id": tempID, "status": string(StatusPending)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, getErr := s.GetTransaction(ctx, tempID)
		if getErr != nil {
			return Transaction{}, getErr
		}
		return current, ErrNotPending
	}
	if err != nil {
		if mapped := translateMongoWriteError(err); mapped != err {
			return Transaction{}, mapped
		}
		return Transaction{}, fmt.Errorf("transition status: %w", err)
	}
	return doc.toTransaction(), nil
}

// ListExpiredPending returns PENDING transactions past their expiry, oldest first.
func (s *MongoDBStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Transaction, error) {
	filter := bson.M{"status": string(StatusPending), "expiry_date": bson.M{"$lt": now.UTC()}}
	opts := options.Find().
		SetSort(bson.D{{Key: "expiry_date", Value: 1}}).
		SetLimit(int64(limitOrDefault(limit)))
	return s.findTransactions(ctx, filter, opts)
}

// ListTransactions returns transactions matching filter, newest first.
func (s *MongoDBStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	query := bson.M{}
	if len(filter.Statuses) > 0 {
		statuses := make(bson.A, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		query["status"] = bson.M{"$in": statuses}
	}
	if email := normalizeEmail(filter.Email); email != "" {
		query["email"] = email
	}
	if !filter.Since.IsZero() {
		query["created_at"] = bson.M{"$gte": filter.Since.UTC()}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limitOrDefault(filter.Limit)))
	return s.findTransactions(ctx, query, opts)
}

func (s *MongoDBStore) findTransactions(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	cursor, err := s.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoTransaction
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}
	out := make([]Transaction, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toTransaction())
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *MongoDBStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
