package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"tubeqa/internal/config"
	"tubeqa/internal/vector"
)

type flakySchemaClient struct {
	calls     int
	failUntil int
	created   *models.Class
}

func (m *flakySchemaClient) ClassExists(ctx context.Context, className string) (bool, error) {
	m.calls++
	if m.calls <= m.failUntil {
		return false, errors.New("connection refused")
	}
	return false, nil
}

func (m *flakySchemaClient) CreateClass(ctx context.Context, class *models.Class) error {
	m.created = class
	return nil
}

func (m *flakySchemaClient) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return nil, nil
}

func (m *flakySchemaClient) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return nil
}

func TestEnsureSchemaWithRetry(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		c := &flakySchemaClient{}
		require.NoError(t, EnsureSchemaWithRetry(context.Background(), c, 1, time.Millisecond))
		require.NotNil(t, c.created)
		assert.Equal(t, vector.ChunkClass, c.created.Class)
	})

	t.Run("Retries", func(t *testing.T) {
		c := &flakySchemaClient{failUntil: 2}
		require.NoError(t, EnsureSchemaWithRetry(context.Background(), c, 5, time.Millisecond))
		assert.Equal(t, 3, c.calls)
	})

	t.Run("Fail", func(t *testing.T) {
		c := &flakySchemaClient{failUntil: 10}
		assert.Error(t, EnsureSchemaWithRetry(context.Background(), c, 3, time.Millisecond))
		assert.Equal(t, 3, c.calls)
	})
}

func TestBootstrap_NothingEnabled(t *testing.T) {
	deps, err := Bootstrap(context.Background(), &config.Config{IndexBackend: "memory"})
	require.NoError(t, err)
	assert.Nil(t, deps.DB)
	assert.Nil(t, deps.Weaviate)
	assert.Nil(t, deps.NSQProducer)
	deps.Close()
}

func TestBootstrap_Resilience_DBDown(t *testing.T) {
	cfg := &config.Config{
		EnablePostgres:             true,
		DBHost:                     "localhost",
		DBPort:                     54322, // likely closed
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "test",
		BootstrapRetryAttempts:     1,
		BootstrapRetryDelaySeconds: 0,
	}

	start := time.Now()
	deps, err := Bootstrap(context.Background(), cfg)

	require.Error(t, err)
	assert.Nil(t, deps)
	assert.Contains(t, err.Error(), "failed to ping db")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNSQDHTTPAddr(t *testing.T) {
	assert.Equal(t, "nsqd:4151", nsqdHTTPAddr("nsqd:4150"))
	assert.Equal(t, "127.0.0.1:4151", nsqdHTTPAddr("127.0.0.1:4150"))
	assert.Equal(t, "nsqd:4151", nsqdHTTPAddr("garbage"))
}

type recordingPublisher struct {
	topics []string
}

func (p *recordingPublisher) Publish(topic string, body []byte) error {
	p.topics = append(p.topics, topic)
	return nil
}

func TestSizedPublisher(t *testing.T) {
	rec := &recordingPublisher{}
	p := &sizedPublisher{pub: rec, max: 4}

	assert.NoError(t, p.Publish("t", []byte("1234")))
	assert.Error(t, p.Publish("t", []byte("12345")))
	assert.Equal(t, []string{"t"}, rec.topics)

	unlimited := &sizedPublisher{pub: rec}
	assert.NoError(t, unlimited.Publish("t", make([]byte, 1<<20)))
}
