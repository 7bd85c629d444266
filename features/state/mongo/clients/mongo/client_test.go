package mongo

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, readpref.Primary()); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

func getStateClient(t *testing.T) Client {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	coll := testMongoClient.Database("ratchet_state_test").Collection(t.Name())
	if err := coll.Drop(context.Background()); err != nil {
		t.Fatalf("failed to drop collection: %v", err)
	}
	c, err := New(Options{Client: testMongoClient, Database: "ratchet_state_test", Collection: t.Name()})
	require.NoError(t, err)
	return c
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Database: "db"})
	require.Error(t, err)
	_, err = New(Options{Client: &mongodriver.Client{}})
	require.Error(t, err)
}

func TestInsertLoadRoundTrip(t *testing.T) {
	c := getStateClient(t)
	ctx := context.Background()

	v, err := c.Insert(ctx, "run-1", []byte(`{"status":"running"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	payload, version, err := c.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.JSONEq(t, `{"status":"running"}`, string(payload))
}

func TestLoadMissingDocument(t *testing.T) {
	c := getStateClient(t)

	_, _, err := c.Load(context.Background(), "absent")
	assert.True(t, errors.Is(err, ErrNoDocument))
}

func TestInsertDuplicateIsStale(t *testing.T) {
	c := getStateClient(t)
	ctx := context.Background()

	_, err := c.Insert(ctx, "run-1", []byte(`{}`))
	require.NoError(t, err)

	_, err = c.Insert(ctx, "run-1", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrStale))
}

func TestReplaceGuardsVersion(t *testing.T) {
	c := getStateClient(t)
	ctx := context.Background()

	_, err := c.Insert(ctx, "run-1", []byte(`{"n":1}`))
	require.NoError(t, err)

	v, err := c.Replace(ctx, "run-1", []byte(`{"n":2}`), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = c.Replace(ctx, "run-1", []byte(`{"n":3}`), 1)
	assert.True(t, errors.Is(err, ErrStale), "a replayed expected version loses")

	payload, version, err := c.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.JSONEq(t, `{"n":2}`, string(payload))
}

func TestReplaceMissingDocumentIsStale(t *testing.T) {
	c := getStateClient(t)

	_, err := c.Replace(context.Background(), "absent", []byte(`{}`), 1)
	assert.True(t, errors.Is(err, ErrStale))
}

func TestEmptyKeyRejected(t *testing.T) {
	c := getStateClient(t)
	ctx := context.Background()

	_, _, err := c.Load(ctx, "")
	require.Error(t, err)
	_, err = c.Insert(ctx, "", nil)
	require.Error(t, err)
	_, err = c.Replace(ctx, "", nil, 1)
	require.Error(t, err)
}
