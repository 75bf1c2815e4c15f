package natsclient

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tserrors "github.com/c360/tripscope/errors"
)

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestNewClient_Options(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithName("tripscope"), WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())

	_, err = NewClient("nats://localhost:4222", WithTimeout(0))
	require.Error(t, err)
	assert.True(t, tserrors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(0))
	require.Error(t, err)
}

func TestConnectionOptions_TLS(t *testing.T) {
	plain, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	secure, err := NewClient("tls://localhost:4222", WithTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	require.NoError(t, err)

	assert.Len(t, secure.connectionOptions(), len(plain.connectionOptions())+1)
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = c.JetStream()
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = c.RTT()
	require.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
}

func TestClient_CircuitOpensAfterFailures(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(200*time.Millisecond),
		WithMaxReconnects(0),
		WithCircuitBreakerThreshold(2),
	)
	require.NoError(t, err)

	ctx := context.Background()
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, tserrors.IsTransient(err))

	err = c.Connect(ctx)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, c.Status())
	require.ErrorIs(t, c.Connect(ctx), ErrCircuitOpen)
	assert.Equal(t, int32(2), c.Failures())
}

func TestKVErrorClassification(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVConflictError(errors.New("wrong last sequence: 4")))
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.False(t, IsKVConflictError(errors.New("timeout")))
}

func TestKVStore_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run against a NATS container")
	}
	tc := NewTestClient(t, WithKVBuckets("kv_test"))
	ctx := context.Background()

	bucket, err := tc.Client.GetKeyValueBucket(ctx, "kv_test")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	_, err = kv.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.PutJSON(ctx, "instances.i1", map[string]any{"status": "active"})
	require.NoError(t, err)
	assert.NotZero(t, rev)

	require.NoError(t, kv.UpdateJSON(ctx, "instances.i1", func(cur map[string]any) error {
		cur["status"] = "paused"
		return nil
	}))
	entry, err := kv.Get(ctx, "instances.i1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"paused"}`, string(entry.Value))

	_, err = kv.Create(ctx, "instances.i1", []byte("{}"))
	require.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Put(ctx, "instances.i2", []byte("{}"))
	require.NoError(t, err)
	keys, err := kv.Keys(ctx, "instances.")
	require.NoError(t, err)
	assert.Equal(t, []string{"instances.i1", "instances.i2"}, keys)

	require.NoError(t, kv.Delete(ctx, "instances.i1"))
	require.NoError(t, kv.Delete(ctx, "instances.i1"))
	keys, err = kv.Keys(ctx, "instances.")
	require.NoError(t, err)
	assert.Equal(t, []string{"instances.i2"}, keys)
}
