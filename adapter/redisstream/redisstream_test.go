package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xcqrs"
)

func startRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	return mr
}

func sampleEntry(id, topic string) xcqrs.OutboxEntry {
	return xcqrs.OutboxEntry{
		ID:            id,
		MessageID:     "msg-" + id,
		CorrelationID: "corr-1",
		CausationID:   "cmd-1",
		Topic:         topic,
		AggregateID:   "order-42",
		AggregateName: "Order",
		Codec:         "json",
		Payload:       []byte(`{"order_id":"order-42"}`),
		Metadata:      map[string]string{"origin": "test"},
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
		CreatedAt:     time.Unix(1700000000, 0),
	}
}

func TestPublish_RoundTripsFields(t *testing.T) {
	mr := startRedis(t)

	pub, err := NewPublisher(Config{Addr: mr.Addr(), Stream: "orders"})
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, pub.Publish(ctx, sampleEntry("e1", "OrderPlaced"), sampleEntry("e2", "InventoryReserved")))

	got, err := pub.Read(ctx, "orders", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, "e1", first.ID)
	assert.Equal(t, "msg-e1", first.MessageID)
	assert.Equal(t, "OrderPlaced", first.Topic)
	assert.Equal(t, "corr-1", first.CorrelationID)
	assert.Equal(t, "cmd-1", first.CausationID)
	assert.Equal(t, "order-42", first.AggregateID)
	assert.Equal(t, "Order", first.AggregateName)
	assert.Equal(t, "json", first.Codec)
	assert.JSONEq(t, `{"order_id":"order-42"}`, string(first.Payload))
	assert.Equal(t, "test", first.Metadata["origin"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", first.TraceID)
	assert.True(t, first.CreatedAt.Equal(time.Unix(1700000000, 0)))

	assert.Equal(t, "InventoryReserved", got[1].Topic)
	assert.Equal(t, uint64(2), pub.Stats().Published)
}

func TestPublish_RoutesByTopicPrefix(t *testing.T) {
	mr := startRedis(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewPublisherWithClient(client, Config{StreamPrefix: "events:"})
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, sampleEntry("a", "OrderPlaced"), sampleEntry("b", "OrderShipped")))

	n, err := client.XLen(ctx, "events:OrderPlaced").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = client.XLen(ctx, "events:OrderShipped").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Closing a publisher that does not own the client leaves it usable.
	require.NoError(t, pub.Close())
	require.NoError(t, client.Ping(ctx).Err())
}

func TestPublish_EmptyIsNoop(t *testing.T) {
	mr := startRedis(t)
	pub, err := NewPublisher(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(context.Background()))
	assert.Equal(t, uint64(0), pub.Stats().Published)
}

func TestPublish_AfterClose(t *testing.T) {
	mr := startRedis(t)
	pub, err := NewPublisher(Config{Addr: mr.Addr()})
	require.NoError(t, err)

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())

	err = pub.Publish(context.Background(), sampleEntry("x", "OrderPlaced"))
	assert.ErrorIs(t, err, ErrPublisherClosed)
}

func TestPublish_ServerErrorCounted(t *testing.T) {
	mr := startRedis(t)
	pub, err := NewPublisher(Config{Addr: mr.Addr(), Stream: "orders"})
	require.NoError(t, err)
	defer pub.Close()

	mr.SetError("ERR injected failure")
	err = pub.Publish(context.Background(), sampleEntry("x", "OrderPlaced"))
	require.Error(t, err)
	assert.Equal(t, uint64(1), pub.Stats().PublishErrors)
}

func TestNewPublisher_Unreachable(t *testing.T) {
	_, err := NewPublisher(Config{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Defaults(), false},
		{"missing addr", Config{StreamPrefix: "x"}, true},
		{"negative db", Config{Addr: "a:1", DB: -1, Stream: "s"}, true},
		{"negative maxlen", Config{Addr: "a:1", Stream: "s", MaxLenApprox: -5}, true},
		{"no routing", Config{Addr: "a:1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_StreamFor(t *testing.T) {
	assert.Equal(t, "fixed", Config{Stream: "fixed", StreamPrefix: "p:"}.StreamFor("OrderPlaced"))
	assert.Equal(t, "p:OrderPlaced", Config{StreamPrefix: "p:"}.StreamFor("OrderPlaced"))
}
