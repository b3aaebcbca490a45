package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEventRoundTripsThroughJSON(t *testing.T) {
	ev := Event{Type: EventDeployed, ContainerID: "c1", UserUUID: "user-1", Port: 40000, Timestamp: 1700000000}

	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, ev, decoded)
}

func TestEventOmitsEmptyUserAndPort(t *testing.T) {
	ev := Event{Type: EventSwept, ContainerID: "", Timestamp: 1700000000}

	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	var asMap map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &asMap))
	_, hasUser := asMap["user_uuid"]
	_, hasPort := asMap["port"]
	assert.False(t, hasUser)
	assert.False(t, hasPort)
}

type fakeRedisClient struct {
	published []string
	channels  []string
}

func (f *fakeRedisClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channels = append(f.channels, channel)
	if s, ok := message.(string); ok {
		f.published = append(f.published, s)
	} else if b, ok := message.([]byte); ok {
		f.published = append(f.published, string(b))
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedisClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return nil
}

func TestPublishSendsOnChannel(t *testing.T) {
	fake := &fakeRedisClient{}
	b := &Bus{rdb: fake, logger: discardLogger()}

	b.Publish(context.Background(), Event{Type: EventExtended, ContainerID: "c1", Timestamp: 1700000000})

	require.Len(t, fake.channels, 1)
	assert.Equal(t, Channel, fake.channels[0])
	require.Len(t, fake.published, 1)

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(fake.published[0]), &decoded))
	assert.Equal(t, EventExtended, decoded.Type)
}
