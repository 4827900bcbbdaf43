package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openalpha/levelbook/book"
	"github.com/openalpha/levelbook/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1 << 20

	// Size of the send buffer
	sendBufferSize = 256

	// Delay between redial attempts after a lost connection
	reconnectDelay = 5 * time.Second

	// Connection read/write buffer sizes
	readBufferSize  = 1024
	writeBufferSize = 1024
)

// ErrNotConnected is returned when a subscription is attempted before
// Connect succeeds or after the client closed.
var ErrNotConnected = errors.New("feed/websocket: not connected")

// Config contains feed client configuration
type Config struct {
	// URL of the market-data websocket endpoint
	URL string

	// Connection settings
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int

	// Delay between redial attempts after a lost connection
	ReconnectDelay time.Duration

	// Frames buffered per channel while waiting on a sequence gap
	ReplayBufferSize int
}

// DefaultConfig returns the default feed client configuration
func DefaultConfig() *Config {
	return &Config{
		URL:              "ws://localhost:8080/ws",
		HandshakeTimeout: 10 * time.Second,
		WriteWait:        writeWait,
		PongWait:         pongWait,
		PingPeriod:       pingPeriod,
		MaxMessageSize:   maxMessageSize,
		ReadBufferSize:   readBufferSize,
		WriteBufferSize:  writeBufferSize,
		ReconnectDelay:   reconnectDelay,
		ReplayBufferSize: 64,
	}
}

// Client is a market-data feed client over a websocket connection. It
// implements book.Feed: aggregators subscribe to one channel per
// symbol/source pair and receive order batches in sequence order on the
// read-pump goroutine.
type Client struct {
	config *Config
	logger log.Logger

	conn *websocket.Conn
	send chan []byte

	mu        sync.RWMutex
	connected bool
	stopped   bool
	subs      map[string]map[string]*Subscription // channel -> sub id -> sub
	replay    map[string]*replayBuffer            // channel -> reorder buffer

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Subscription is one live channel attachment handed out by Subscribe
type Subscription struct {
	id      string
	channel string
	handler book.BatchHandler
	client  *Client
}

// Close detaches the subscription. The last subscription on a channel sends
// an unsubscribe to the feed.
func (s *Subscription) Close() error {
	return s.client.unsubscribe(s)
}

// NewClient creates a new feed client
func NewClient(config *Config, logger log.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		config: config,
		logger: logger.With("module", "feed/websocket", "url", config.URL),
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]map[string]*Subscription),
		replay: make(map[string]*replayBuffer),
		stopCh: make(chan struct{}),
	}
}

// Connect dials the feed endpoint and starts the read and write pumps. A
// connection lost later is redialed automatically until Close.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	c.logger.Info("feed connected")
	return nil
}

// dial opens one websocket connection with the configured buffer sizes
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
		ReadBufferSize:   c.config.ReadBufferSize,
		WriteBufferSize:  c.config.WriteBufferSize,
	}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed/websocket: dialing %s: %w", c.config.URL, err)
	}
	return conn, nil
}

// currentConn returns the live connection
func (c *Client) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Subscribe implements book.Feed. It registers the handler on the channel
// for symbol@source and asks the feed to start streaming it.
func (c *Client) Subscribe(symbol, source string, handler book.BatchHandler) (book.Subscription, error) {
	channel := channelName(symbol, source)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	sub := &Subscription{
		id:      uuid.New().String(),
		channel: channel,
		handler: handler,
		client:  c,
	}
	first := len(c.subs[channel]) == 0
	if first {
		c.subs[channel] = make(map[string]*Subscription)
		c.replay[channel] = newReplayBuffer(c.config.ReplayBufferSize)
	}
	c.subs[channel][sub.id] = sub
	c.mu.Unlock()

	if first {
		if err := c.sendControl(clientMessage{Action: "subscribe", Channel: channel}); err != nil {
			c.dropSubscription(sub)
			return nil, err
		}
	}
	metrics.GetCollector().RecordSubscriptions(1)
	c.logger.Info("subscribed", "channel", channel, "subscription", sub.id)
	return sub, nil
}

// unsubscribe deregisters the subscription and, for the last one on the
// channel, asks the feed to stop streaming it.
func (c *Client) unsubscribe(sub *Subscription) error {
	last := c.dropSubscription(sub)
	metrics.GetCollector().RecordSubscriptions(-1)
	if !last {
		return nil
	}
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return nil
	}
	return c.sendControl(clientMessage{Action: "unsubscribe", Channel: sub.channel})
}

// dropSubscription removes the subscription and reports whether it was the
// channel's last.
func (c *Client) dropSubscription(sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[sub.channel]
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(c.subs, sub.channel)
		delete(c.replay, sub.channel)
		return true
	}
	return false
}

// sendControl queues a control message for the write pump
func (c *Client) sendControl(msg clientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("feed/websocket: encoding %s: %w", msg.Action, err)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.stopCh:
		return ErrNotConnected
	}
}

// Close shuts the connection down and waits for the pumps to drain
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		c.stopped = true
		c.connected = false
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.config.WriteWait))
			_ = conn.Close()
		}
		c.wg.Wait()
		c.logger.Info("feed disconnected")
	})
	return nil
}

// readPump pumps frames from the websocket connection to the subscribed
// handlers, re-sequencing each channel through its replay buffer. On a lost
// connection it redials and replays the channel subscriptions.
func (c *Client) readPump() {
	defer c.wg.Done()

	conn := c.currentConn()
	for {
		conn.SetReadLimit(c.config.MaxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
			return nil
		})

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Error("feed read failed", "err", err)
				}
				break
			}

			f, err := decodeFrame(message)
			if err != nil {
				c.logger.Warn("dropping undecodable frame", "err", err)
				metrics.GetCollector().RecordFeedDrop("", "decode")
				continue
			}
			if f.Error != "" {
				c.logger.Warn("feed error frame", "channel", f.Channel, "err", f.Error)
				continue
			}
			metrics.GetCollector().RecordFeedMessage(f.Channel)
			c.dispatch(f)
		}

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		select {
		case <-c.stopCh:
			return
		default:
		}
		conn = c.reconnect()
		if conn == nil {
			return
		}
	}
}

// reconnect redials until it succeeds or the client closes. After a new
// connection is up it resets the replay buffers and resubscribes every
// active channel; the feed answers each with a fresh snapshot frame.
func (c *Client) reconnect() *websocket.Conn {
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stopCh:
			return nil
		case <-time.After(c.config.ReconnectDelay):
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			c.logger.Warn("feed reconnect failed", "attempt", attempt, "err", err)
			continue
		}

		c.mu.Lock()
		if c.stopped {
			// Closed while redialing; discard the fresh connection.
			c.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		c.conn = conn
		c.connected = true
		channels := make([]string, 0, len(c.subs))
		for channel := range c.subs {
			channels = append(channels, channel)
			c.replay[channel] = newReplayBuffer(c.config.ReplayBufferSize)
		}
		c.mu.Unlock()

		metrics.GetCollector().RecordFeedReconnect()
		c.logger.Info("feed reconnected", "attempt", attempt)

		for _, channel := range channels {
			if err := c.sendControl(clientMessage{Action: "subscribe", Channel: channel}); err != nil {
				c.logger.Error("resubscribe failed", "channel", channel, "err", err)
			}
		}
		return conn
	}
}

// dispatch releases deliverable frames for the channel and invokes the
// channel's handlers in frame order.
func (c *Client) dispatch(f *frame) {
	c.mu.RLock()
	buf := c.replay[f.Channel]
	c.mu.RUnlock()
	if buf == nil {
		metrics.GetCollector().RecordFeedDrop(f.Channel, "unsubscribed")
		return
	}

	// The replay buffer is only touched on the read pump; the lock above
	// just pins the map entry.
	ready, skipped := buf.offer(f)
	if skipped {
		c.logger.Warn("sequence gap abandoned", "channel", f.Channel)
		metrics.GetCollector().RecordFeedGap(f.Channel)
	}

	for _, rf := range ready {
		events := rf.orderEvents()
		c.mu.RLock()
		subs := make([]*Subscription, 0, len(c.subs[rf.Channel]))
		for _, sub := range c.subs[rf.Channel] {
			subs = append(subs, sub)
		}
		c.mu.RUnlock()
		for _, sub := range subs {
			sub.handler(events, rf.Snapshot)
		}
	}
}

// writePump pumps queued control messages to the websocket connection and
// keeps the connection alive with pings. Write failures are logged, not
// fatal; the read pump notices the dead connection and replaces it.
func (c *Client) writePump() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case message := <-c.send:
			conn := c.currentConn()
			_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("feed write failed", "err", err)
			}
		case <-ticker.C:
			conn := c.currentConn()
			_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("feed ping failed", "err", err)
			}
		}
	}
}
