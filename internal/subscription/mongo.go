package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoCollectionName = "subscriptions"

// MongoBackend persists subscriptions in a MongoDB collection with a unique
// (user_id, channel) index.
type MongoBackend struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoBackend connects, pings and ensures indexes.
func NewMongoBackend(ctx context.Context, uri, database string) (*MongoBackend, error) {
	clientOptions := options.Client().
		ApplyURI(uri).
		SetAppName("ws-fanout").
		SetMinPoolSize(2).
		SetMaxPoolSize(50).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occurred while connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occurred while pinging mongo: %w", err)
	}

	b := &MongoBackend{
		client:     client,
		collection: client.Database(database).Collection(mongoCollectionName),
	}
	if err := b.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return b, nil
}

func (b *MongoBackend) ensureIndexes(ctx context.Context) error {
	_, err := b.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "channel", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("subscriptions_user_channel_unique"),
		},
		{
			Keys:    bson.D{{Key: "channel", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("subscriptions_channel_status"),
		},
	})
	if err != nil {
		return fmt.Errorf("error occurred while creating subscription indexes: %w", err)
	}
	return nil
}

func userChannelFilter(userID, channel string) bson.D {
	return bson.D{{Key: "user_id", Value: userID}, {Key: "channel", Value: channel}}
}

func (b *MongoBackend) Get(ctx context.Context, userID, channel string) (*Subscription, error) {
	var sub Subscription
	err := b.collection.FindOne(ctx, userChannelFilter(userID, channel)).Decode(&sub)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	return &sub, nil
}

func (b *MongoBackend) Insert(ctx context.Context, sub *Subscription) error {
	if _, err := b.collection.InsertOne(ctx, sub); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

func (b *MongoBackend) Update(ctx context.Context, sub *Subscription) error {
	result, err := b.collection.ReplaceOne(ctx, userChannelFilter(sub.UserID, sub.Channel), sub)
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *MongoBackend) Delete(ctx context.Context, userID, channel string) (bool, error) {
	result, err := b.collection.DeleteOne(ctx, userChannelFilter(userID, channel))
	if err != nil {
		return false, fmt.Errorf("database operation failed: %w", err)
	}
	return result.DeletedCount > 0, nil
}

func (b *MongoBackend) find(ctx context.Context, filter bson.D, opts ...*options.FindOptions) ([]*Subscription, error) {
	cursor, err := b.collection.Find(ctx, filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	defer cursor.Close(ctx)

	var subs []*Subscription
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions: %w", err)
	}
	return subs, nil
}

func (b *MongoBackend) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "channel", Value: 1}})
	return b.find(ctx, bson.D{{Key: "user_id", Value: userID}}, opts)
}

func (b *MongoBackend) ListActiveByChannel(ctx context.Context, channel string) ([]*Subscription, error) {
	return b.find(ctx, bson.D{{Key: "channel", Value: channel}, {Key: "status", Value: StatusActive}})
}

func (b *MongoBackend) CountActive(ctx context.Context, userID string) (int, error) {
	n, err := b.collection.CountDocuments(ctx, bson.D{{Key: "user_id", Value: userID}, {Key: "status", Value: StatusActive}})
	if err != nil {
		return 0, fmt.Errorf("database operation failed: %w", err)
	}
	return int(n), nil
}

func (b *MongoBackend) IncrementMessages(ctx context.Context, userID, channel string, at time.Time) error {
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "message_count", Value: 1}}},
		{Key: "$set", Value: bson.D{{Key: "last_message_at", Value: at}}},
	}
	result, err := b.collection.UpdateOne(ctx, userChannelFilter(userID, channel), update)
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *MongoBackend) ExpireBefore(ctx context.Context, t time.Time) ([]string, error) {
	filter := bson.D{
		{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: t}}},
		{Key: "status", Value: bson.D{{Key: "$ne", Value: StatusExpired}}},
	}
	expiring, err := b.find(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(expiring) == 0 {
		return nil, nil
	}

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: StatusExpired},
		{Key: "updated_at", Value: t},
	}}}
	if _, err := b.collection.UpdateMany(ctx, filter, update); err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}

	users := make([]string, 0, len(expiring))
	for _, sub := range expiring {
		users = append(users, sub.UserID)
	}
	return users, nil
}

func (b *MongoBackend) Stats(ctx context.Context) (Stats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "messages", Value: bson.D{{Key: "$sum", Value: "$message_count"}}},
		}}},
	}
	cursor, err := b.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return Stats{}, fmt.Errorf("database operation failed: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status   Status `bson:"_id"`
		Count    int    `bson:"count"`
		Messages int64  `bson:"messages"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return Stats{}, fmt.Errorf("failed to decode subscription stats: %w", err)
	}

	var stats Stats
	for _, row := range rows {
		stats.Total += row.Count
		stats.TotalMessages += row.Messages
		switch row.Status {
		case StatusActive:
			stats.Active = row.Count
		case StatusPaused:
			stats.Paused = row.Count
		case StatusSuspended:
			stats.Suspended = row.Count
		case StatusExpired:
			stats.Expired = row.Count
		}
	}
	return stats, nil
}

func (b *MongoBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Disconnect(ctx)
}
