package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/golang/glog"
)

// MemoryBroadcast is an in-process fan-out hub. Channels opened on the same
// room see each other's messages, including their own (the hub loops sends
// back to the sender, like the real transports do).
type MemoryBroadcast struct {
	mutex sync.Mutex
	rooms map[string][]*MemoryChannel
}

func NewMemoryBroadcast() *MemoryBroadcast {
	return &MemoryBroadcast{
		rooms: map[string][]*MemoryChannel{},
	}
}

// Open creates an unsubscribed channel on the room
func (self *MemoryBroadcast) Open(room string) *MemoryChannel {
	return &MemoryChannel{
		broadcast: self,
		room:      room,
		handlers:  map[string][]HandlerFunction{},
	}
}

func (self *MemoryBroadcast) subscribe(channel *MemoryChannel) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.rooms[channel.room] = append(self.rooms[channel.room], channel)
}

func (self *MemoryBroadcast) unsubscribe(channel *MemoryChannel) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	channels := self.rooms[channel.room]
	for i, c := range channels {
		if c == channel {
			self.rooms[channel.room] = append(channels[0:i:i], channels[i+1:]...)
			break
		}
	}
}

func (self *MemoryBroadcast) send(room string, messageType string, payload []byte) {
	self.mutex.Lock()
	channels := append([]*MemoryChannel{}, self.rooms[room]...)
	self.mutex.Unlock()

	for _, channel := range channels {
		channel.deliver(messageType, payload)
	}
}

// MemoryChannel implements BroadcastChannel against a MemoryBroadcast.
// Delivery is synchronous on the sender's goroutine.
type MemoryChannel struct {
	broadcast *MemoryBroadcast
	room      string

	mutex      sync.Mutex
	handlers   map[string][]HandlerFunction
	status     StatusFunction
	subscribed bool
}

func (self *MemoryChannel) On(messageType string, handler HandlerFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.handlers[messageType] = append(self.handlers[messageType], handler)
}

func (self *MemoryChannel) Subscribe(ctx context.Context, status StatusFunction) error {
	self.mutex.Lock()
	self.status = status
	self.subscribed = true
	self.mutex.Unlock()

	self.broadcast.subscribe(self)
	if status != nil {
		status(ConnectionStatusSubscribed, nil)
	}
	return nil
}

func (self *MemoryChannel) Send(messageType string, payload any) error {
	self.mutex.Lock()
	subscribed := self.subscribed
	self.mutex.Unlock()

	if !subscribed {
		return errors.New("not subscribed")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	self.broadcast.send(self.room, messageType, payloadBytes)
	return nil
}

func (self *MemoryChannel) Unsubscribe() {
	self.mutex.Lock()
	if !self.subscribed {
		self.mutex.Unlock()
		return
	}
	self.subscribed = false
	self.status = nil
	self.mutex.Unlock()

	self.broadcast.unsubscribe(self)
}

// Fail simulates a channel fault, detaching the channel from the room and
// reporting the given status to the subscriber
func (self *MemoryChannel) Fail(status ConnectionStatus, err error) {
	self.mutex.Lock()
	statusCallback := self.status
	self.subscribed = false
	self.mutex.Unlock()

	self.broadcast.unsubscribe(self)
	if statusCallback != nil {
		statusCallback(status, err)
	}
}

func (self *MemoryChannel) deliver(messageType string, payload []byte) {
	self.mutex.Lock()
	subscribed := self.subscribed
	handlers := append([]HandlerFunction{}, self.handlers[messageType]...)
	self.mutex.Unlock()

	if !subscribed {
		return
	}
	if len(handlers) == 0 {
		glog.V(2).Infof("[mem]drop %s (no handler)\n", messageType)
		return
	}
	for _, handler := range handlers {
		handler(payload)
	}
}
