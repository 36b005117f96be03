// Package mongo reads a corpus from a MongoDB collection.
package mongo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"ahnung/pkg/records"
)

// Connect dials uri and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return client, nil
}

// Source scans one collection. When Target is set only documents that have
// the field are fetched; empty and null values are filtered downstream by
// corpus.WithTarget.
type Source struct {
	Coll      *mongo.Collection
	Target    string
	BatchSize int32
	Log       *zap.Logger
}

// Filter is the query sent to the server.
func (s *Source) Filter() bson.D {
	if s.Target == "" {
		return bson.D{}
	}
	return bson.D{{Key: s.Target, Value: bson.D{{Key: "$exists", Value: true}}}}
}

// Each streams the collection through a cursor in natural order.
func (s *Source) Each(ctx context.Context, fn func(records.Record) error) error {
	opts := options.Find()
	if s.BatchSize > 0 {
		opts.SetBatchSize(s.BatchSize)
	}
	cur, err := s.Coll.Find(ctx, s.Filter(), opts)
	if err != nil {
		return fmt.Errorf("mongo: find %s: %w", s.Coll.Name(), err)
	}
	defer cur.Close(context.Background())

	n := 0
	for cur.Next(ctx) {
		var raw bson.D
		if err := cur.Decode(&raw); err != nil {
			return fmt.Errorf("mongo: decode %s document %d: %w", s.Coll.Name(), n+1, err)
		}
		n++
		if err := fn(FromBSON(raw)); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("mongo: cursor %s: %w", s.Coll.Name(), err)
	}
	if s.Log != nil {
		s.Log.Debug("collection scanned", zap.String("collection", s.Coll.Name()), zap.Int("documents", n))
	}
	return nil
}

// FromBSON converts a decoded document into plain Go values the resolver
// understands: documents become maps, arrays slices, dates time.Time, and
// decimals and object ids their text.
func FromBSON(doc bson.D) records.Record {
	out := make(records.Record, len(doc))
	for _, e := range doc {
		out[e.Key] = plain(e.Value)
	}
	return out
}

func plain(v any) any {
	switch t := v.(type) {
	case bson.D:
		return map[string]any(FromBSON(t))
	case bson.M:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = plain(x)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = plain(x)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.ObjectID:
		return t.Hex()
	case primitive.Decimal128:
		return decimalNumber(t.String())
	case primitive.Null, primitive.Undefined:
		return nil
	default:
		return v
	}
}

// decimalNumber is a json.Number-like wrapper so decimals resolve to Int or
// Float by their text.
type decimalNumber string

func (d decimalNumber) String() string { return string(d) }

func (d decimalNumber) Int64() (int64, error) {
	i, err := strconv.ParseInt(string(d), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("mongo: decimal %s is not an integer", string(d))
	}
	return i, nil
}

func (d decimalNumber) Float64() (float64, error) {
	f, err := strconv.ParseFloat(string(d), 64)
	if err != nil {
		return 0, fmt.Errorf("mongo: decimal %s: %w", string(d), err)
	}
	return f, nil
}
