// Package mongostore keeps the reading log in a MongoDB collection.
package mongostore

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"skyrelay/telemetry-server/internal/model"
	"skyrelay/telemetry-server/internal/store"
)

const readingsCollection = "readings"

// document is the stored shape of a reading.
type document struct {
	DroneID     string    `bson:"droneId"`
	Timestamp   time.Time `bson:"timestamp"`
	Battery     float64   `bson:"battery"`
	Temperature float64   `bson:"temperature"`
	Humidity    float64   `bson:"humidity"`
	Speed       float64   `bson:"speed"`
	Altitude    float64   `bson:"altitude"`
	Lat         float64   `bson:"lat"`
	Lng         float64   `bson:"lng"`
	Status      string    `bson:"status"`
}

func toDocument(r model.Reading) document {
	return document{
		DroneID:     r.DroneID,
		Timestamp:   r.Timestamp.UTC(),
		Battery:     r.Battery,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Speed:       r.Speed,
		Altitude:    r.Altitude,
		Lat:         r.Lat,
		Lng:         r.Lng,
		Status:      string(r.Status),
	}
}

func (d document) reading() model.Reading {
	return model.Reading{
		DroneID:     d.DroneID,
		Timestamp:   d.Timestamp.UTC(),
		Battery:     d.Battery,
		Temperature: d.Temperature,
		Humidity:    d.Humidity,
		Speed:       d.Speed,
		Altitude:    d.Altitude,
		Lat:         d.Lat,
		Lng:         d.Lng,
		Status:      model.Status(d.Status),
	}
}

// Store is a reading log backed by MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Open connects to uri and selects the readings collection of database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Annotate(err, "connect mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Annotate(err, "ping mongodb")
	}
	return &Store{
		client:     client,
		collection: client.Database(database).Collection(readingsCollection),
	}, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// InitSchema creates the per-agent time index.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "droneId", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	return errors.Annotate(err, "create readings index")
}

// InsertReading appends a reading to the log.
func (s *Store) InsertReading(ctx context.Context, r model.Reading) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if _, err := s.collection.InsertOne(ctx, toDocument(r)); err != nil {
		return errors.Annotate(err, "insert reading")
	}
	return nil
}

// Readings returns the newest readings matching the filter, reversed when
// the filter asks for ascending order.
func (s *Store) Readings(ctx context.Context, f store.ReadingFilter) ([]model.Reading, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(f.EffectiveLimit()))

	cursor, err := s.collection.Find(ctx, filterDocument(f), opts)
	if err != nil {
		return nil, errors.Annotate(err, "find readings")
	}
	readings, err := decodeAll(ctx, cursor)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if f.Ascending {
		store.OldestFirst(readings)
	}
	return readings, nil
}

// LatestReadings returns the newest reading per agent.
func (s *Store) LatestReadings(ctx context.Context) ([]model.Reading, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "timestamp", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$droneId"},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
		{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$doc"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "droneId", Value: 1}}}},
	}
	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Annotate(err, "aggregate latest readings")
	}
	return decodeAll(ctx, cursor)
}

func filterDocument(f store.ReadingFilter) bson.M {
	filter := bson.M{}
	if f.DroneID != "" {
		filter["droneId"] = f.DroneID
	}
	if !f.Since.IsZero() {
		filter["timestamp"] = bson.M{"$gte": f.Since.UTC()}
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	return filter
}

func decodeAll(ctx context.Context, cursor *mongo.Cursor) ([]model.Reading, error) {
	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Annotate(err, "decode readings")
	}
	readings := make([]model.Reading, 0, len(docs))
	for _, d := range docs {
		readings = append(readings, d.reading())
	}
	return readings, nil
}

// WipeData removes every reading.
func (s *Store) WipeData(ctx context.Context) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{}); err != nil {
		return errors.Annotate(err, "wipe readings")
	}
	return nil
}
