package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// documentBackend stores records in a MongoDB collection, one document per
// record.
type documentBackend struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// newDocumentBackend connects, pings and prepares the conversations
// collection. The caller bounds ctx; a slow or unreachable server fails here
// and the store falls back to the file backend.
func newDocumentBackend(ctx context.Context, uri string) (*documentBackend, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(probeTimeout).
		SetConnectTimeout(probeTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping document store: %w", err)
	}

	collection := client.Database(databaseName(uri)).Collection("conversations")

	// Indexes are best effort.
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	}
	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		log.Warn().Err(err).Msg("history_index_create_failed")
	}

	return &documentBackend{client: client, collection: collection}, nil
}

func (d *documentBackend) save(ctx context.Context, rec Record) error {
	_, err := d.collection.InsertOne(ctx, rec)
	return err
}

func (d *documentBackend) get(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := d.collection.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	// Newest-first query, chronological result.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (d *documentBackend) close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// databaseName takes the path segment of the URI, defaulting to
// "chat_history".
func databaseName(uri string) string {
	trimmed := strings.TrimSuffix(uri, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx > len("mongodb://") {
		if name := trimmed[idx+1:]; name != "" && !strings.Contains(name, ":") {
			// Strip query options if present.
			if q := strings.Index(name, "?"); q >= 0 {
				name = name[:q]
			}
			if name != "" {
				return name
			}
		}
	}
	return "chat_history"
}
