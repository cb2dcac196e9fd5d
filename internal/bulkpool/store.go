package bulkpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store is the bulk pool's persistence boundary. It is satisfied by
// *MongoStore in production and by *memStore in tests, so the request/
// pending/fetch/retention logic in service.go never imports the driver
// directly.
type Store interface {
	BulkInsert(ctx context.Context, blocks []Block) (int, error)
	FindPendingForReceiver(ctx context.Context, receiverID, senderID string, limit int) ([]string, error)
	CountPending(ctx context.Context, receiverID, senderID string) (int64, error)
	FetchByIDs(ctx context.Context, receiverID string, keyIDs []string, senderID string) ([]Block, error)
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// blockDoc is the MongoDB document shape.
type blockDoc struct {
	KeyID               string    `bson:"keyId"`
	SenderID            string    `bson:"senderId"`
	ReceiverID          string    `bson:"receiverId"`
	KeyData             string    `bson:"keyData"`
	DeliveredToReceiver bool      `bson:"deliveredToReceiver"`
	CreatedAt           time.Time `bson:"createdAt"`
}

func (b Block) toDoc() blockDoc {
	return blockDoc{
		KeyID:               b.KeyID,
		SenderID:            b.SenderID,
		ReceiverID:          b.ReceiverID,
		KeyData:             b.KeyData,
		DeliveredToReceiver: b.DeliveredToReceiver,
		CreatedAt:           b.CreatedAt,
	}
}

func (d blockDoc) toBlock() Block {
	return Block{
		KeyID:               d.KeyID,
		SenderID:            d.SenderID,
		ReceiverID:          d.ReceiverID,
		KeyData:             d.KeyData,
		DeliveredToReceiver: d.DeliveredToReceiver,
		CreatedAt:           d.CreatedAt,
	}
}

// MongoStore is the production Store, backed by the qkd_blocks collection.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Connect dials uri, pings it, selects database, and ensures the four
// indexes every query path relies on: unique keyId, (senderId, receiverId),
// (receiverId, deliveredToReceiver), and a descending createdAt index.
func Connect(ctx context.Context, uri, database string) (*MongoStore, error) {
	clientOpts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	collection := client.Database(database).Collection("qkd_blocks")
	store := &MongoStore{client: client, collection: collection}
	if err := store.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "keyId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "receiverId", Value: 1}}},
		{Keys: bson.D{{Key: "receiverId", Value: 1}, {Key: "deliveredToReceiver", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	}
	if _, err := s.collection.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create qkd_blocks indexes: %w", err)
	}
	return nil
}

// Close disconnects the underlying client. Intended for graceful shutdown.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// BulkInsert inserts every block unordered, so one duplicate keyId does not
// abort the rest of the batch. The count of successfully inserted documents
// is returned even when some inserts failed.
func (s *MongoStore) BulkInsert(ctx context.Context, blocks []Block) (int, error) {
	if len(blocks) == 0 {
		return 0, nil
	}
	docs := make([]interface{}, len(blocks))
	for i, b := range blocks {
		docs[i] = b.toDoc()
	}

	result, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) {
			return len(blocks) - len(bwe.WriteErrors), nil
		}
		return 0, fmt.Errorf("bulk insert qkd blocks: %w", err)
	}
	return len(result.InsertedIDs), nil
}

func (s *MongoStore) FindPendingForReceiver(ctx context.Context, receiverID, senderID string, limit int) ([]string, error) {
	filter := bson.M{"receiverId": receiverID, "deliveredToReceiver": false}
	if senderID != "" {
		filter["senderId"] = senderID
	}

	opts := options.Find().
		SetProjection(bson.M{"keyId": 1, "_id": 0}).
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find pending qkd blocks: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			KeyID string `bson:"keyId"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode pending qkd block: %w", err)
		}
		ids = append(ids, doc.KeyID)
	}
	return ids, cursor.Err()
}

func (s *MongoStore) CountPending(ctx context.Context, receiverID, senderID string) (int64, error) {
	filter := bson.M{"receiverId": receiverID, "deliveredToReceiver": false}
	if senderID != "" {
		filter["senderId"] = senderID
	}
	count, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count pending qkd blocks: %w", err)
	}
	return count, nil
}

// FetchByIDs retrieves every block matching keyIDs for receiverID (and
// senderID, if set), then flips deliveredToReceiver to true for exactly the
// set of blocks the read returned, so a concurrent fetch can never
// double-count a delivery.
func (s *MongoStore) FetchByIDs(ctx context.Context, receiverID string, keyIDs []string, senderID string) ([]Block, error) {
	filter := bson.M{"keyId": bson.M{"$in": keyIDs}, "receiverId": receiverID}
	if senderID != "" {
		filter["senderId"] = senderID
	}

	cursor, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("fetch qkd blocks: %w", err)
	}
	defer cursor.Close(ctx)

	var blocks []Block
	var foundIDs []string
	for cursor.Next(ctx) {
		var doc blockDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode qkd block: %w", err)
		}
		blocks = append(blocks, doc.toBlock())
		foundIDs = append(foundIDs, doc.KeyID)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	if len(foundIDs) > 0 {
		_, err := s.collection.UpdateMany(ctx,
			bson.M{"keyId": bson.M{"$in": foundIDs}},
			bson.M{"$set": bson.M{"deliveredToReceiver": true}},
		)
		if err != nil {
			return nil, fmt.Errorf("mark qkd blocks delivered: %w", err)
		}
	}
	return blocks, nil
}

func (s *MongoStore) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{
		"deliveredToReceiver": true,
		"createdAt":           bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("delete old delivered qkd blocks: %w", err)
	}
	return result.DeletedCount, nil
}
