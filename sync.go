package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/golang/glog"
)

// SyncStatus is the connection state of a sync provider
type SyncStatus int

const (
	SyncStatusConnecting   SyncStatus = 0
	SyncStatusConnected    SyncStatus = 1
	SyncStatusDisconnected SyncStatus = 2
)

func (self SyncStatus) String() string {
	switch self {
	case SyncStatusConnecting:
		return "connecting"
	case SyncStatusConnected:
		return "connected"
	case SyncStatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(self))
	}
}

type SyncStatusFunction func(status SyncStatus)

type SyncSettings struct {
	// coalesce outbound updates and send at most once per interval.
	// 0 sends every update immediately
	ThrottleInterval time.Duration
	AutoReconnect    bool
	// 0 means unbounded
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		ThrottleInterval:     0,
		AutoReconnect:        true,
		MaxReconnectAttempts: 0,
		ReconnectBaseDelay:   1000 * time.Millisecond,
		ReconnectMaxDelay:    30000 * time.Millisecond,
	}
}

// delays double per attempt from the base, capped at the max, with no jitter
func newReconnectBackOff(settings *SyncSettings) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = settings.ReconnectBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = settings.ReconnectMaxDelay
	// retries are bounded by MaxReconnectAttempts, not elapsed time
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SyncProvider keeps one document converged with all peers subscribed to the
// same room:
// - on connect it advertises the local state vector
// - a peer state vector is answered at most once per connection epoch with
//   the update the peer is missing, followed by a re-advertisement so the
//   exchange converges both directions in one round per peer pair
// - local edits are broadcast, optionally coalesced per throttle interval
// - channel faults drive reconnection with exponential backoff
type SyncProvider struct {
	ctx    context.Context
	cancel context.CancelFunc

	doc     Doc
	channel BroadcastChannel
	peerId  Id

	settings *SyncSettings

	stateLock        sync.Mutex
	status           SyncStatus
	answeredPeers    map[Id]bool
	pendingUpdates   [][]byte
	reconnectAttempt int
	reconnectBackOff *backoff.ExponentialBackOff
	throttleTimer    *time.Timer
	reconnectTimer   *time.Timer
	destroyed        bool

	removeUpdateCallback func()

	statusCallbacks     *CallbackList[SyncStatusFunction]
	connectCallbacks    *CallbackList[func()]
	disconnectCallbacks *CallbackList[func()]
	messageCallbacks    *CallbackList[MessageFunction]
	errorCallbacks      *CallbackList[ErrorFunction]
}

func NewSyncProviderWithDefaults(
	ctx context.Context,
	doc Doc,
	channel BroadcastChannel,
) *SyncProvider {
	return NewSyncProvider(ctx, doc, channel, DefaultSyncSettings())
}

// NewSyncProvider attaches to the document and registers the channel message
// handlers. The provider starts in the connecting state. Call Connect to
// join the room.
func NewSyncProvider(
	ctx context.Context,
	doc Doc,
	channel BroadcastChannel,
	settings *SyncSettings,
) *SyncProvider {
	cancelCtx, cancel := context.WithCancel(ctx)
	provider := &SyncProvider{
		ctx:                 cancelCtx,
		cancel:              cancel,
		doc:                 doc,
		channel:             channel,
		peerId:              NewId(),
		settings:            settings,
		status:              SyncStatusConnecting,
		answeredPeers:       map[Id]bool{},
		reconnectBackOff:    newReconnectBackOff(settings),
		statusCallbacks:     NewCallbackList[SyncStatusFunction](),
		connectCallbacks:    NewCallbackList[func()](),
		disconnectCallbacks: NewCallbackList[func()](),
		messageCallbacks:    NewCallbackList[MessageFunction](),
		errorCallbacks:      NewCallbackList[ErrorFunction](),
	}
	provider.removeUpdateCallback = doc.AddUpdateCallback(provider.handleDocUpdate)
	channel.On(MessageTypeUpdate, provider.handleUpdateMessage)
	channel.On(MessageTypeStateVector, provider.handleStateVectorMessage)
	return provider
}

// PeerId is the process-lifetime identity carried on every outbound message
func (self *SyncProvider) PeerId() Id {
	return self.peerId
}

func (self *SyncProvider) Status() SyncStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *SyncProvider) AddStatusCallback(callback SyncStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(callback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *SyncProvider) AddConnectCallback(callback func()) func() {
	callbackId := self.connectCallbacks.Add(callback)
	return func() {
		self.connectCallbacks.Remove(callbackId)
	}
}

func (self *SyncProvider) AddDisconnectCallback(callback func()) func() {
	callbackId := self.disconnectCallbacks.Add(callback)
	return func() {
		self.disconnectCallbacks.Remove(callbackId)
	}
}

// AddMessageCallback observes inbound peer updates after they are applied
func (self *SyncProvider) AddMessageCallback(callback MessageFunction) func() {
	callbackId := self.messageCallbacks.Add(callback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *SyncProvider) AddErrorCallback(callback ErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// Connect joins the room. On failure the connection is retried with backoff
// per the settings.
func (self *SyncProvider) Connect() {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	self.status = SyncStatusConnecting
	self.stateLock.Unlock()
	self.statusEvent(SyncStatusConnecting)

	if err := self.channel.Subscribe(self.ctx, self.handleChannelStatus); err != nil {
		glog.Infof("[sync]%s subscribe error = %s\n", self.peerId, err)
		self.handleChannelStatus(ConnectionStatusChannelError, err)
	}
}

func (self *SyncProvider) handleChannelStatus(status ConnectionStatus, err error) {
	switch status {
	case ConnectionStatusSubscribed:
		self.handleConnected()
	case ConnectionStatusChannelError, ConnectionStatusTimedOut:
		if err == nil {
			err = fmt.Errorf("channel %s", status)
		}
		self.handleDisconnected(err)
	case ConnectionStatusClosed:
		self.handleDisconnected(nil)
	}
}

func (self *SyncProvider) handleConnected() {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	self.status = SyncStatusConnected
	self.reconnectAttempt = 0
	self.reconnectBackOff.Reset()
	clear(self.answeredPeers)
	self.stateLock.Unlock()

	glog.V(2).Infof("[sync]%s connected\n", self.peerId)
	self.statusEvent(SyncStatusConnected)
	for _, callback := range self.connectCallbacks.Get() {
		protectCallback(func() {
			callback()
		})
	}

	// advertise what this replica has so peers can send what it is missing
	self.advertiseStateVector()
}

func (self *SyncProvider) handleDisconnected(err error) {
	self.stateLock.Lock()
	if self.destroyed || self.status == SyncStatusDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.status = SyncStatusDisconnected
	self.stateLock.Unlock()

	glog.Infof("[sync]%s disconnected err = %v\n", self.peerId, err)
	self.statusEvent(SyncStatusDisconnected)
	for _, callback := range self.disconnectCallbacks.Get() {
		protectCallback(func() {
			callback()
		})
	}
	if err != nil {
		self.errorEvent(err)
	}

	self.scheduleReconnect()
}

func (self *SyncProvider) scheduleReconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.destroyed || !self.settings.AutoReconnect {
		return
	}
	if maxAttempts := self.settings.MaxReconnectAttempts; 0 < maxAttempts && maxAttempts <= self.reconnectAttempt {
		glog.Infof("[sync]%s reconnect attempts exhausted (%d)\n", self.peerId, self.reconnectAttempt)
		return
	}
	self.reconnectAttempt += 1
	delay := self.reconnectBackOff.NextBackOff()

	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
	}
	self.reconnectTimer = time.AfterFunc(delay, func() {
		self.stateLock.Lock()
		if self.destroyed {
			self.stateLock.Unlock()
			return
		}
		self.reconnectTimer = nil
		self.stateLock.Unlock()
		self.Connect()
	})
	glog.V(2).Infof("[sync]%s reconnect %d in %s\n", self.peerId, self.reconnectAttempt, delay)
}

// handleDocUpdate queues local edits for broadcast. Updates the provider
// itself applied from peers are filtered out so they do not echo back out.
func (self *SyncProvider) handleDocUpdate(update []byte, origin Origin) {
	if origin == OriginRemote {
		return
	}

	if self.settings.ThrottleInterval <= 0 {
		self.broadcastUpdate(update)
		return
	}

	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	self.pendingUpdates = append(self.pendingUpdates, update)
	// restart the timer only on the empty to non-empty transition, so that
	// a burst of edits inside one interval yields exactly one broadcast
	if len(self.pendingUpdates) == 1 {
		self.throttleTimer = time.AfterFunc(self.settings.ThrottleInterval, self.flushPendingUpdates)
	}
	self.stateLock.Unlock()
}

func (self *SyncProvider) flushPendingUpdates() {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	updates := self.pendingUpdates
	self.pendingUpdates = nil
	self.throttleTimer = nil
	self.stateLock.Unlock()

	if len(updates) == 0 {
		return
	}

	var update []byte
	if len(updates) == 1 {
		update = updates[0]
	} else {
		var err error
		update, err = self.doc.MergeUpdates(updates)
		if err != nil {
			self.errorEvent(fmt.Errorf("merge pending updates: %w", err))
			return
		}
	}
	self.broadcastUpdate(update)
}

func (self *SyncProvider) broadcastUpdate(update []byte) {
	message := &UpdateMessage{
		Update:    EncodeBinary(update),
		User:      User{Id: self.peerId},
		Timestamp: time.Now().UnixMilli(),
	}
	if err := self.channel.Send(MessageTypeUpdate, message); err != nil {
		self.errorEvent(fmt.Errorf("broadcast update: %w", err))
		return
	}
	glog.V(2).Infof("[sync]%s-> update (%d bytes)\n", self.peerId, len(update))
}

func (self *SyncProvider) advertiseStateVector() {
	stateVector, err := self.doc.EncodeStateVector()
	if err != nil {
		self.errorEvent(fmt.Errorf("encode state vector: %w", err))
		return
	}
	message := &StateVectorMessage{
		StateVector: EncodeBinary(stateVector),
		User:        User{Id: self.peerId},
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := self.channel.Send(MessageTypeStateVector, message); err != nil {
		self.errorEvent(fmt.Errorf("broadcast state vector: %w", err))
		return
	}
	glog.V(2).Infof("[sync]%s-> state vector\n", self.peerId)
}

// handleUpdateMessage applies one inbound peer update. A malformed message
// is reported and discarded. It never terminates the connection.
func (self *SyncProvider) handleUpdateMessage(payload []byte) {
	var message UpdateMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		self.errorEvent(fmt.Errorf("decode update message: %w", err))
		return
	}
	if message.User.Id == self.peerId {
		// self echo
		glog.V(2).Infof("[sync]%s<- drop own update\n", self.peerId)
		return
	}
	update, err := DecodeBinary(message.Update)
	if err != nil {
		self.errorEvent(fmt.Errorf("decode update: %w", err))
		return
	}
	if err := self.doc.ApplyUpdate(update, OriginRemote); err != nil {
		self.errorEvent(fmt.Errorf("apply update: %w", err))
		return
	}
	glog.V(2).Infof("[sync]%s<- update (%d bytes) from %s\n", self.peerId, len(update), message.User.Id)
	for _, callback := range self.messageCallbacks.Get() {
		protectCallback(func() {
			callback(update)
		})
	}
}

// handleStateVectorMessage answers a peer's advertisement with the update
// the peer is missing, then re-advertises the local state vector so the
// peer can symmetrically send back what this replica is missing. Each peer
// is answered at most once per connection epoch.
func (self *SyncProvider) handleStateVectorMessage(payload []byte) {
	var message StateVectorMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		self.errorEvent(fmt.Errorf("decode state vector message: %w", err))
		return
	}
	if message.User.Id == self.peerId {
		return
	}
	stateVector, err := DecodeBinary(message.StateVector)
	if err != nil {
		self.errorEvent(fmt.Errorf("decode state vector: %w", err))
		return
	}

	self.stateLock.Lock()
	if self.destroyed || self.answeredPeers[message.User.Id] {
		self.stateLock.Unlock()
		return
	}
	self.answeredPeers[message.User.Id] = true
	self.stateLock.Unlock()

	update, err := self.doc.EncodeStateAsUpdate(stateVector)
	if err != nil {
		self.errorEvent(fmt.Errorf("encode reconcile update: %w", err))
		return
	}
	if EmptyUpdateSize < len(update) {
		self.broadcastUpdate(update)
	}
	self.advertiseStateVector()
}

func (self *SyncProvider) statusEvent(status SyncStatus) {
	for _, callback := range self.statusCallbacks.Get() {
		protectCallback(func() {
			callback(status)
		})
	}
}

func (self *SyncProvider) errorEvent(err error) {
	glog.Infof("[sync]%s error = %s\n", self.peerId, err)
	for _, callback := range self.errorCallbacks.Get() {
		protectCallback(func() {
			callback(err)
		})
	}
}

// Close cancels pending throttle and reconnect timers, detaches from the
// document, and releases the channel subscription. Safe to call more than
// once.
func (self *SyncProvider) Close() {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	self.destroyed = true
	if self.throttleTimer != nil {
		self.throttleTimer.Stop()
		self.throttleTimer = nil
	}
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	self.pendingUpdates = nil
	self.stateLock.Unlock()

	self.removeUpdateCallback()
	self.cancel()
	self.channel.Unsubscribe()
	glog.V(2).Infof("[sync]%s closed\n", self.peerId)
}
