package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	neturl "net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type WsChannelSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
}

func DefaultWsChannelSettings() *WsChannelSettings {
	return &WsChannelSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingTimeout:        15 * time.Second,
	}
}

// WsChannel is a BroadcastChannel over a websocket Relay. Each Subscribe
// dials the relay again, so a provider can resubscribe after a fault.
type WsChannel struct {
	url  string
	room string

	settings *WsChannelSettings

	mutex    sync.Mutex
	handlers map[string][]HandlerFunction
	ws       *websocket.Conn
	cancel   context.CancelFunc
}

func NewWsChannelWithDefaults(url string, room string) *WsChannel {
	return NewWsChannel(url, room, DefaultWsChannelSettings())
}

// url is the relay websocket endpoint, e.g. ws://host:port/
func NewWsChannel(url string, room string, settings *WsChannelSettings) *WsChannel {
	return &WsChannel{
		url:      url,
		room:     room,
		settings: settings,
		handlers: map[string][]HandlerFunction{},
	}
}

func (self *WsChannel) On(messageType string, handler HandlerFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.handlers[messageType] = append(self.handlers[messageType], handler)
}

func (self *WsChannel) Subscribe(ctx context.Context, status StatusFunction) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.roomUrl(), nil)
	if err != nil {
		return err
	}

	handleCtx, handleCancel := context.WithCancel(ctx)

	self.mutex.Lock()
	if self.ws != nil {
		// replace a previous subscription
		self.ws.Close()
		self.cancel()
	}
	self.ws = ws
	self.cancel = handleCancel
	self.mutex.Unlock()

	if status != nil {
		status(ConnectionStatusSubscribed, nil)
	}

	go self.readPump(handleCtx, ws, status)
	go self.pingPump(handleCtx, ws)
	return nil
}

func (self *WsChannel) roomUrl() string {
	return fmt.Sprintf("%s?room=%s", self.url, neturl.QueryEscape(self.room))
}

func (self *WsChannel) readPump(ctx context.Context, ws *websocket.Conn, status StatusFunction) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			self.detach(ws)
			if ctx.Err() != nil {
				// unsubscribed
				return
			}
			if status != nil {
				status(classifyWsError(err))
			}
			return
		}
		if len(message) == 0 {
			// ping
			continue
		}
		self.dispatch(message)
	}
}

func classifyWsError(err error) (ConnectionStatus, error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ConnectionStatusTimedOut, err
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ConnectionStatusClosed, nil
	}
	return ConnectionStatusChannelError, err
}

func (self *WsChannel) pingPump(ctx context.Context, ws *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}

		self.mutex.Lock()
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0))
		self.mutex.Unlock()
		if err != nil {
			// the read pump surfaces the fault
			return
		}
	}
}

func (self *WsChannel) dispatch(message []byte) {
	var e envelope
	if err := json.Unmarshal(message, &e); err != nil {
		glog.Infof("[ws]%s malformed message = %s\n", self.room, err)
		return
	}

	self.mutex.Lock()
	handlers := append([]HandlerFunction{}, self.handlers[e.Type]...)
	self.mutex.Unlock()

	for _, handler := range handlers {
		handler(e.Payload)
	}
}

func (self *WsChannel) Send(messageType string, payload any) error {
	message, err := packEnvelope(messageType, payload)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.ws == nil {
		return errors.New("not subscribed")
	}
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

// detach clears the connection if it is still the active one
func (self *WsChannel) detach(ws *websocket.Conn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.ws == ws {
		self.ws = nil
	}
	ws.Close()
}

func (self *WsChannel) Unsubscribe() {
	self.mutex.Lock()
	ws := self.ws
	cancel := self.cancel
	self.ws = nil
	self.cancel = nil
	self.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(self.settings.WriteTimeout),
		)
		ws.Close()
	}
}
