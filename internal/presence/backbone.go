package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const backboneChannel = "collab:room-events"

// envelope is the cross-process wire frame. Origin prevents a process
// from re-delivering its own events.
type envelope struct {
	Origin  string          `json:"origin"`
	Session string          `json:"session"`
	Data    json.RawMessage `json:"data"`
}

// Backbone relays room events between processes over Redis pub/sub.
// With it attached, the roster/cursor/comment views become eventually
// consistent across processes; each process still owns only its local
// connections.
type Backbone struct {
	client  *redis.Client
	origin  string
	handler func(session string, data []byte)
	log     *logrus.Entry
}

// NewBackbone connects to Redis and verifies the connection. handler is
// invoked for every remote-origin event.
func NewBackbone(addr, password string, db int, origin string, handler func(session string, data []byte)) (*Backbone, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Backbone{
		client:  client,
		origin:  origin,
		handler: handler,
		log:     logrus.WithField("component", "backbone"),
	}, nil
}

// Publish mirrors a locally produced room event to peer processes.
func (b *Backbone) Publish(session string, data []byte) error {
	frame, err := json.Marshal(envelope{
		Origin:  b.origin,
		Session: session,
		Data:    data,
	})
	if err != nil {
		return err
	}
	return b.client.Publish(context.Background(), backboneChannel, frame).Err()
}

// Run subscribes to the event channel and dispatches remote-origin frames
// until ctx is cancelled. Malformed frames are dropped.
func (b *Backbone) Run(ctx context.Context) {
	sub := b.client.Subscribe(ctx, backboneChannel)
	defer sub.Close()

	b.log.Info("subscribed to room-event backbone")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.WithError(err).Warn("dropping malformed backbone frame")
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.handler(env.Session, env.Data)
		}
	}
}

// Close releases the Redis connection.
func (b *Backbone) Close() error {
	return b.client.Close()
}
