package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ttcs/connectme-client/internal/metrics"
	"github.com/ttcs/connectme-client/internal/util"
)

// ErrNotConnected is returned by Publish when the broker session is down.
// Callers own their queue/retry policy; the transport never buffers sends.
var ErrNotConnected = errors.New("signaling: not connected to broker")

// ErrConnectTimeout marks a dial or handshake that exceeded the connect
// timeout, wrapped inside the ConnectionError Connect returns.
var ErrConnectTimeout = errors.New("signaling: broker handshake timed out")

// ConnectionError reports a failed broker handshake.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("signaling: connecting to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Handler receives the body of every MESSAGE frame delivered on a topic.
type Handler func(body []byte)

const (
	heartbeatInterval = 10 * time.Second
	// Inbox capacity per subscription. Delivery within a topic is FIFO;
	// when a handler cannot keep up, further messages are dropped with a
	// log rather than stalling the shared read loop.
	subInboxSize = 64
)

type subscription struct {
	id      string
	topic   string
	handler Handler
	inbox   chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// dispatch drains the inbox in order until the subscription is cancelled.
func (s *subscription) dispatch() {
	for {
		select {
		case body := <-s.inbox:
			s.handler(body)
		case <-s.done:
			return
		}
	}
}

// connectAttempt is shared by concurrent Connect callers so only one
// handshake is ever in flight.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Client is a STOMP session over one WebSocket, scoped to a meeting. While
// active it reconnects on unexpected disconnects with bounded backoff and
// restores all subscriptions.
type Client struct {
	url            string
	connectTimeout time.Duration
	minDelay       time.Duration
	maxDelay       time.Duration

	writeMu sync.Mutex // serializes all WebSocket writes

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	active      bool // true between Connect and Disconnect
	gen         int  // connection generation, guards stale read loops
	inflight    *connectAttempt
	subs        map[string]*subscription // topic → subscription
	nextSubID   int
	onReconnect func()
}

// NewClient creates a broker client for the given WebSocket URL. Nothing is
// dialed until Connect.
func NewClient(url string, connectTimeout, minDelay, maxDelay time.Duration) *Client {
	return &Client{
		url:            url,
		connectTimeout: connectTimeout,
		minDelay:       minDelay,
		maxDelay:       maxDelay,
		subs:           make(map[string]*subscription),
	}
}

// OnReconnect registers a hook invoked after a successful automatic
// reconnect, once all subscriptions have been restored. Used to re-announce
// presence. Must be set before Connect.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// Connected reports whether the broker session is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect establishes the WebSocket and completes the STOMP handshake. It is
// idempotent under concurrent calls: while an attempt is in flight, later
// callers wait on the same attempt instead of dialing again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if att := c.inflight; att != nil {
		c.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &connectAttempt{done: make(chan struct{})}
	c.inflight = att
	c.active = true
	c.mu.Unlock()

	err := c.establish(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err != nil {
		// A failed initial connect does not arm reconnection; the caller
		// decides whether to retry joining.
		c.active = false
	}
	c.mu.Unlock()

	att.err = err
	close(att.done)
	return err
}

// establish dials, handshakes, and starts the session goroutines.
func (c *Client) establish(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return &ConnectionError{URL: c.url, Err: markTimeout(err)}
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return &ConnectionError{URL: c.url, Err: markTimeout(err)}
	}

	c.mu.Lock()
	if !c.active {
		// Disconnect won the race while the handshake was in flight; the
		// fresh socket must not be installed.
		c.mu.Unlock()
		conn.Close()
		return &ConnectionError{URL: c.url, Err: errors.New("client deactivated during connect")}
	}
	c.conn = conn
	c.connected = true
	c.gen++
	gen := c.gen
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	// Restore subscriptions (no-op on first connect when none exist yet).
	for _, s := range subs {
		if err := c.sendSubscribe(s); err != nil {
			util.LogWarning("resubscribe %s failed: %v", s.topic, err)
		}
	}

	metrics.BrokerConnected.Set(1)
	go c.readLoop(conn, gen)
	go c.heartbeatLoop(conn, gen)
	return nil
}

// markTimeout tags deadline-shaped failures with ErrConnectTimeout so
// callers can tell a slow broker from a refused one.
func markTimeout(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return err
}

// handshake sends CONNECT and waits for CONNECTED within the connect timeout.
func (c *Client) handshake(conn *websocket.Conn) error {
	hb := strconv.FormatInt(heartbeatInterval.Milliseconds(), 10)
	connect := newFrame(cmdConnect,
		hdrAcceptVersion, "1.2",
		hdrHost, "connectme",
		hdrHeartBeat, hb+","+hb,
	)
	if err := conn.WriteMessage(websocket.TextMessage, marshalFrame(connect)); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.connectTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await CONNECTED: %w", err)
		}
		if isHeartbeat(data) {
			continue
		}
		f, err := parseFrame(data)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		switch f.command {
		case cmdConnected:
			return nil
		case cmdError:
			return fmt.Errorf("broker rejected session: %s", f.header(hdrMessage))
		default:
			return fmt.Errorf("unexpected %s frame during handshake", f.command)
		}
	}
}

// Subscribe registers a handler for a topic and returns a cancel function.
// Delivery order per topic is FIFO; different topics interleave arbitrarily.
// Subscribing twice to the same topic replaces the previous handler.
func (c *Client) Subscribe(topic string, handler Handler) (func(), error) {
	c.mu.Lock()
	if old, ok := c.subs[topic]; ok {
		old.close()
	}
	c.nextSubID++
	sub := &subscription{
		id:      "sub-" + strconv.Itoa(c.nextSubID),
		topic:   topic,
		handler: handler,
		inbox:   make(chan []byte, subInboxSize),
		done:    make(chan struct{}),
	}
	c.subs[topic] = sub
	connected := c.connected
	c.mu.Unlock()

	go sub.dispatch()

	if connected {
		if err := c.sendSubscribe(sub); err != nil {
			c.removeSub(sub)
			return nil, err
		}
	}

	return func() { c.unsubscribe(sub) }, nil
}

func (c *Client) sendSubscribe(sub *subscription) error {
	f := newFrame(cmdSubscribe,
		hdrID, sub.id,
		hdrDestination, sub.topic,
	)
	return c.write(marshalFrame(f))
}

func (c *Client) unsubscribe(sub *subscription) {
	c.removeSub(sub)
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if connected {
		f := newFrame(cmdUnsubscribe, hdrID, sub.id)
		if err := c.write(marshalFrame(f)); err != nil {
			util.LogDebug("UNSUBSCRIBE %s failed: %v", sub.topic, err)
		}
	}
}

func (c *Client) removeSub(sub *subscription) {
	sub.close()
	c.mu.Lock()
	if c.subs[sub.topic] == sub {
		delete(c.subs, sub.topic)
	}
	c.mu.Unlock()
}

// Publish sends a SEND frame to a broker destination. Best-effort: if the
// session is down it fails fast with ErrNotConnected instead of queueing.
func (c *Client) Publish(destination string, body []byte) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	f := newFrame(cmdSend,
		hdrDestination, destination,
		hdrContentType, "application/json",
	)
	f.body = body
	return c.write(marshalFrame(f))
}

// Disconnect stops reconnection, closes the session, and cancels all
// subscriptions. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.active && c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.active = false
	conn := c.conn
	c.conn = nil
	wasConnected := c.connected
	c.connected = false
	c.gen++
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, s := range subs {
		s.close()
	}

	if conn != nil {
		if wasConnected {
			// Best-effort polite shutdown.
			f := newFrame(cmdDisconnect)
			c.writeTo(conn, marshalFrame(f))
		}
		conn.Close()
	}
	metrics.BrokerConnected.Set(0)
}

// ---------------------------------------------------------------------------
// Session goroutines
// ---------------------------------------------------------------------------

// readLoop owns all reads on conn. It routes MESSAGE frames to subscription
// inboxes and triggers reconnection when the socket drops unexpectedly.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}
		if isHeartbeat(data) {
			continue
		}

		f, err := parseFrame(data)
		if err != nil {
			util.LogWarning("dropping malformed broker frame: %v", err)
			metrics.DroppedMessagesTotal.WithLabelValues("malformed").Inc()
			continue
		}

		switch f.command {
		case cmdMessage:
			c.deliver(f)
		case cmdReceipt:
			// Receipts are not requested; ignore.
		case cmdError:
			util.LogError("broker error frame: %s", f.header(hdrMessage))
		default:
			util.LogDebug("ignoring %s frame", f.command)
		}
	}
}

// deliver routes a MESSAGE frame to the matching subscription inbox.
func (c *Client) deliver(f *frame) {
	topic := f.header(hdrDestination)

	c.mu.Lock()
	sub := c.subs[topic]
	c.mu.Unlock()
	if sub == nil {
		metrics.DroppedMessagesTotal.WithLabelValues("no_subscription").Inc()
		util.LogDebug("no subscription for %s, dropping message", topic)
		return
	}

	select {
	case sub.inbox <- f.body:
	default:
		metrics.DroppedMessagesTotal.WithLabelValues("inbox_full").Inc()
		util.LogWarning("inbox full for %s, dropping message", topic)
	}
}

// heartbeatLoop keeps the session alive with EOL frames.
func (c *Client) heartbeatLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := c.gen != gen || !c.connected
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.writeTo(conn, heartbeatFrame); err != nil {
			return
		}
	}
}

// handleDisconnect marks the session down and, while the client is still
// active, runs bounded-backoff reconnection attempts.
func (c *Client) handleDisconnect(conn *websocket.Conn, gen int, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		// A newer connection replaced this one; nothing to do.
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	active := c.active
	c.mu.Unlock()

	conn.Close()
	metrics.BrokerConnected.Set(0)
	if !active {
		return
	}
	util.LogWarning("broker connection lost: %v — reconnecting", cause)

	delay := c.minDelay
	for {
		time.Sleep(delay)

		c.mu.Lock()
		if !c.active || c.connected {
			c.mu.Unlock()
			return
		}
		onReconnect := c.onReconnect
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
		err := c.establish(ctx)
		cancel()
		if err == nil {
			metrics.ReconnectsTotal.Inc()
			util.LogInfo("broker connection restored")
			if onReconnect != nil {
				onReconnect()
			}
			return
		}

		util.LogWarning("reconnect failed: %v", err)
		if delay *= 2; delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// write sends data on the current connection, guarded by the write mutex.
func (c *Client) write(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeTo(conn, data)
}

func (c *Client) writeTo(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
