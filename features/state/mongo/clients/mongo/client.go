// Package mongo hosts the MongoDB client used by the run state store. It
// exposes version-guarded document operations; the optimistic-concurrency
// semantics live here so the store adapter stays a thin translation layer.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultCollection = "agent_run_state"
	defaultOpTimeout  = 5 * time.Second
	stateClientName   = "state-mongo"
)

var (
	// ErrNoDocument indicates no document exists under the key.
	ErrNoDocument = errors.New("state mongo: no document")

	// ErrStale indicates the conditional write did not match the expected
	// version: another writer got there first.
	ErrStale = errors.New("state mongo: stale version")
)

type (
	// Client exposes Mongo-backed, version-guarded state documents.
	Client interface {
		health.Pinger

		// Load returns the payload and version stored under key, or
		// ErrNoDocument.
		Load(ctx context.Context, key string) ([]byte, int64, error)

		// Insert creates the document at version 1. A pre-existing key fails
		// with ErrStale.
		Insert(ctx context.Context, key string, payload []byte) (int64, error)

		// Replace overwrites the payload if the stored version still equals
		// expected, returning the new version. A mismatch fails with ErrStale.
		Replace(ctx context.Context, key string, payload []byte, expected int64) (int64, error)
	}

	// Options configures the Mongo state client.
	Options struct {
		// Client is the connected driver client. Required.
		Client *mongodriver.Client
		// Database names the database. Required.
		Database string
		// Collection names the collection. Defaults to agent_run_state.
		Collection string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	document struct {
		Key       string    `bson:"_id"`
		Version   int64     `bson:"version"`
		Payload   []byte    `bson:"payload"`
		UpdatedAt time.Time `bson:"updated_at"`
	}
)

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}, nil
}

func (c *client) Name() string {
	return stateClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Load(ctx context.Context, key string) ([]byte, int64, error) {
	if key == "" {
		return nil, 0, errors.New("state key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc document
	if err := c.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, 0, ErrNoDocument
		}
		return nil, 0, err
	}
	return doc.Payload, doc.Version, nil
}

func (c *client) Insert(ctx context.Context, key string, payload []byte) (int64, error) {
	if key == "" {
		return 0, errors.New("state key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := document{
		Key:       key,
		Version:   1,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	}
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		// A concurrent creator winning the race surfaces as a duplicate key,
		// which is exactly a version conflict on the zero version.
		if mongodriver.IsDuplicateKeyError(err) {
			return 0, ErrStale
		}
		return 0, err
	}
	return 1, nil
}

func (c *client) Replace(ctx context.Context, key string, payload []byte, expected int64) (int64, error) {
	if key == "" {
		return 0, errors.New("state key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	next := expected + 1
	filter := bson.M{"_id": key, "version": expected}
	update := bson.M{"$set": bson.M{
		"version":    next,
		"payload":    payload,
		"updated_at": time.Now().UTC(),
	}}
	res, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne())
	if err != nil {
		return 0, err
	}
	if res.MatchedCount == 0 {
		return 0, ErrStale
	}
	return next, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
