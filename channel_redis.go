package docsync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/golang/glog"
)

const redisChannelPrefix = "docsync:"

// RedisChannel is a BroadcastChannel over Redis pub/sub, one Redis channel
// per room. Redis delivers published messages back to the publisher, so the
// self-echo guard upstream sees its own messages.
type RedisChannel struct {
	client redis.UniversalClient
	room   string

	mutex      sync.Mutex
	handlers   map[string][]HandlerFunction
	pubsub     *redis.PubSub
	subscribed bool
}

func NewRedisChannel(client redis.UniversalClient, room string) *RedisChannel {
	return &RedisChannel{
		client:   client,
		room:     room,
		handlers: map[string][]HandlerFunction{},
	}
}

func (self *RedisChannel) channelName() string {
	return redisChannelPrefix + self.room
}

func (self *RedisChannel) On(messageType string, handler HandlerFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.handlers[messageType] = append(self.handlers[messageType], handler)
}

func (self *RedisChannel) Subscribe(ctx context.Context, status StatusFunction) error {
	pubsub := self.client.Subscribe(ctx, self.channelName())
	// wait for the subscription confirmation so that sends after Subscribe
	// returns are observable
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	self.mutex.Lock()
	self.pubsub = pubsub
	self.subscribed = true
	self.mutex.Unlock()

	if status != nil {
		status(ConnectionStatusSubscribed, nil)
	}

	go func() {
		for message := range pubsub.Channel() {
			self.dispatch([]byte(message.Payload))
		}
		// the message channel closes when the pubsub is closed
		self.mutex.Lock()
		closed := !self.subscribed
		self.subscribed = false
		self.mutex.Unlock()
		if !closed && status != nil {
			status(ConnectionStatusClosed, nil)
		}
	}()
	return nil
}

func (self *RedisChannel) dispatch(message []byte) {
	var e envelope
	if err := json.Unmarshal(message, &e); err != nil {
		glog.Infof("[redis]%s malformed message = %s\n", self.room, err)
		return
	}

	self.mutex.Lock()
	handlers := append([]HandlerFunction{}, self.handlers[e.Type]...)
	self.mutex.Unlock()

	for _, handler := range handlers {
		handler(e.Payload)
	}
}

func (self *RedisChannel) Send(messageType string, payload any) error {
	message, err := packEnvelope(messageType, payload)
	if err != nil {
		return err
	}
	return self.client.Publish(context.Background(), self.channelName(), message).Err()
}

func (self *RedisChannel) Unsubscribe() {
	self.mutex.Lock()
	pubsub := self.pubsub
	self.pubsub = nil
	self.subscribed = false
	self.mutex.Unlock()

	if pubsub != nil {
		pubsub.Close()
	}
}
