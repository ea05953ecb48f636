// Package bridge fans room events out across relay instances through Redis
// pub/sub. Each instance publishes every room broadcast tagged with its own
// id and re-delivers events published by peers to its local room members.
// With a single instance the bridge is inert and wire behavior is unchanged.
package bridge

import (
	"context"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

const channelPrefix = "chatroom:"

// LocalDeliverer is the hub-side hook for events arriving from peers.
type LocalDeliverer interface {
	DeliverLocal(roomID string, payload []byte)
}

// envelope wraps a serialized room event for transit. Origin carries the
// publishing instance id so subscribers can skip their own events.
type envelope struct {
	Origin  string          `json:"origin"`
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload"`
}

type Bridge struct {
	rdb        *redis.Client
	instanceID string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, redisURL, instanceID string) (*Bridge, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	slog.Info("[BRIDGE] Connected to Redis", "instance", instanceID)

	return &Bridge{rdb: rdb, instanceID: instanceID}, nil
}

func (b *Bridge) Close() error {
	return b.rdb.Close()
}

// Publish forwards one serialized room event to peer instances.
func (b *Bridge) Publish(roomID string, payload []byte) error {
	data, err := json.Marshal(envelope{
		Origin:  b.instanceID,
		RoomID:  roomID,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return b.rdb.Publish(context.Background(), channelPrefix+roomID, data).Err()
}

// Run subscribes to all room channels and re-broadcasts peer events locally
// until ctx is canceled. Events this instance published itself are skipped.
func (b *Bridge) Run(ctx context.Context, local LocalDeliverer) {
	pubsub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Error("[BRIDGE] Subscription failed", "error", err)
		return
	}

	slog.Info("[BRIDGE] Subscribed", "pattern", channelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Info("[BRIDGE] Subscription channel closed")
				return
			}

			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Error("[BRIDGE] Malformed peer event", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}

			local.DeliverLocal(env.RoomID, env.Payload)
		}
	}
}
