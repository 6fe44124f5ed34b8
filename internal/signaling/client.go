// Package signaling is the agent side of the call signaling channel: one
// WebSocket connection per local user, shared by every call view.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/service/call"
	"telecare-backend/internal/service/device"
	"telecare-backend/pkg/constants"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
	"telecare-backend/pkg/protocol"
)

const (
	writeWait      = constants.WebSocketWriteWait
	pongWait       = constants.WebSocketPongWait
	pingPeriod     = constants.WebSocketPingInterval
	maxMessageSize = constants.WebSocketMaxMessageSize
)

// ErrClosed is returned by requests on a disconnected client
var ErrClosed = errors.New("signaling connection closed")

// RemoteError is an error frame returned by the server
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client manages the WebSocket connection to the signaling server
type Client struct {
	conn    *websocket.Conn
	userID  string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	metrics *metrics.Metrics

	// serializes join/leave round trips
	reqMu sync.Mutex

	mu        sync.Mutex
	pending   chan *protocol.Envelope
	pendingID string
	nextReq   uint64
	joining   string
	sessionID string
	callID    string
	joined    bool
	closed    bool
	last      []domain.ParticipantRecord
	subs      map[int]chan []domain.ParticipantRecord
	nextSub   int
}

// Dial connects to serverURL with the credentials of desc
func Dial(ctx context.Context, serverURL string, desc domain.SessionDescriptor, m *metrics.Metrics) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+desc.VideoToken)
	if desc.APIKey != "" {
		header.Set(protocol.HeaderStreamKey, desc.APIKey)
	}

	dialer := *websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, serverURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:    conn,
		userID:  desc.UserID,
		send:    make(chan []byte, 16),
		done:    make(chan struct{}),
		metrics: m,
		subs:    make(map[int]chan []domain.ParticipantRecord),
	}

	go c.readPump()
	go c.writePump()

	return c, nil
}

// NewClientFactory returns a registry factory that dials serverURL
func NewClientFactory(serverURL string, m *metrics.Metrics) call.ClientFactory {
	return func(ctx context.Context, desc domain.SessionDescriptor) (call.Client, error) {
		c, err := Dial(ctx, serverURL, desc, m)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// SessionID is the server-assigned id of this connection, known after the first join
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Closed reports whether the connection is gone
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Join adds this connection to callID and waits for the acknowledgement
func (c *Client) Join(ctx context.Context, callID string, opts call.JoinOptions) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	joined, current := c.joined, c.callID
	c.mu.Unlock()
	if joined {
		if current == callID {
			return nil
		}
		return &RemoteError{Code: protocol.CodeAlreadyJoined, Message: "already joined " + current}
	}

	c.mu.Lock()
	c.joining = callID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.joining = ""
		c.mu.Unlock()
	}()

	_, err := c.request(ctx, protocol.TypeJoin, protocol.Join{
		CallID: callID,
		Token:  opts.Token,
		Create: opts.Create,
		Video:  opts.Video,
		Audio:  opts.Audio,
	}, protocol.TypeJoined)
	return err
}

// Leave leaves the current call. It is a no-op when not joined.
func (c *Client) Leave(ctx context.Context) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	joined, callID := c.joined, c.callID
	c.mu.Unlock()
	if !joined {
		return nil
	}

	_, err := c.request(ctx, protocol.TypeLeave, protocol.Left{CallID: callID}, protocol.TypeLeft)
	return err
}

// abandonJoin leaves callID on the server after a join acknowledged too late
// for its request. Runs on the read goroutine, so it never blocks.
func (c *Client) abandonJoin(callID string) {
	data, err := protocol.Encode(protocol.TypeLeave, protocol.Left{CallID: callID})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
		logger.Info("Leaving call joined by an abandoned request",
			zap.String("user_id", c.userID),
			zap.String("call_id", callID))
	case <-c.done:
	default:
		logger.Warn("Could not leave call joined by an abandoned request",
			zap.String("user_id", c.userID),
			zap.String("call_id", callID))
	}
}

// SetEnabled announces a logical device toggle. It is a no-op when not joined.
func (c *Client) SetEnabled(ctx context.Context, kind device.Kind, enabled bool) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return nil
	}
	return c.write(ctx, protocol.TypeMedia, protocol.Media{Kind: string(kind), Enabled: enabled})
}

// Subscribe returns a channel of participant snapshots of the joined call.
// The latest snapshot is replayed to new subscribers.
func (c *Client) Subscribe() (<-chan []domain.ParticipantRecord, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan []domain.ParticipantRecord, constants.ParticipantSnapshotBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	if c.last != nil {
		ch <- append([]domain.ParticipantRecord(nil), c.last...)
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// Disconnect closes the connection. Calling it again is a no-op.
func (c *Client) Disconnect() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.closed = true
		c.joined = false
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.mu.Unlock()

		logger.Debug("Signaling client closed", zap.String("user_id", c.userID))
	})
}

// request sends a frame and waits for the reply carrying its id. Replies
// arriving after request returned find no pending id and are dropped.
func (c *Client) request(ctx context.Context, msgType string, payload any, want string) (*protocol.Envelope, error) {
	reply := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	c.nextReq++
	id := strconv.FormatUint(c.nextReq, 10)
	c.pending = reply
	c.pendingID = id
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == reply {
			c.pending = nil
			c.pendingID = ""
		}
		c.mu.Unlock()
	}()

	if err := c.writeID(ctx, id, msgType, payload); err != nil {
		return nil, err
	}

	select {
	case env := <-reply:
		if env.Type == protocol.TypeError {
			var e protocol.Error
			if err := env.DecodePayload(&e); err != nil {
				return nil, err
			}
			return nil, &RemoteError{Code: e.Code, Message: e.Message}
		}
		if env.Type != want {
			return nil, fmt.Errorf("unexpected %s reply to %s", env.Type, msgType)
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) write(ctx context.Context, msgType string, payload any) error {
	return c.writeID(ctx, "", msgType, payload)
}

func (c *Client) writeID(ctx context.Context, id, msgType string, payload any) error {
	data, err := protocol.EncodeID(id, msgType, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		if c.metrics != nil {
			c.metrics.RecordWebSocketMessage(msgType, "out")
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump reads frames until the connection fails or is closed
func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Signaling connection lost", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("Invalid signaling frame", zap.String("user_id", c.userID), zap.Error(err))
			if c.metrics != nil {
				c.metrics.RecordWebSocketError("bad_frame")
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.RecordWebSocketMessage(env.Type, "in")
		}
		c.handle(env)
	}
}

// writePump writes queued frames and sends periodic pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) handle(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoined:
		var joined protocol.Joined
		if err := env.DecodePayload(&joined); err != nil {
			logger.Warn("Invalid joined frame", zap.Error(err))
			return
		}
		c.mu.Lock()
		pending := c.take(env.ID)
		if pending != nil {
			c.sessionID = joined.SessionID
			c.callID = joined.CallID
			c.joined = true
			c.last = nil
		}
		// a join of the same call in flight will be acknowledged too
		retrying := c.joining == joined.CallID
		c.mu.Unlock()
		if pending == nil {
			if !retrying {
				c.abandonJoin(joined.CallID)
			}
			return
		}
		pending <- env

	case protocol.TypeLeft:
		c.mu.Lock()
		pending := c.take(env.ID)
		if pending != nil {
			c.joined = false
			c.callID = ""
			c.last = nil
		}
		c.mu.Unlock()
		if pending != nil {
			pending <- env
		}

	case protocol.TypeParticipants:
		var p protocol.Participants
		if err := env.DecodePayload(&p); err != nil {
			logger.Warn("Invalid participants frame", zap.Error(err))
			return
		}
		c.publish(p)

	case protocol.TypeError:
		c.mu.Lock()
		pending := c.take(env.ID)
		c.mu.Unlock()
		if pending != nil {
			pending <- env
		} else {
			var e protocol.Error
			_ = env.DecodePayload(&e)
			logger.Warn("Signaling server error",
				zap.String("user_id", c.userID),
				zap.String("code", e.Code),
				zap.String("message", e.Message))
		}

	default:
		logger.Debug("Ignoring signaling frame", zap.String("type", env.Type))
	}
}

// take returns the waiting request answered by id and clears it. Called
// with mu held.
func (c *Client) take(id string) chan *protocol.Envelope {
	if id == "" || c.pending == nil || id != c.pendingID {
		return nil
	}
	pending := c.pending
	c.pending = nil
	c.pendingID = ""
	return pending
}

func (c *Client) publish(p protocol.Participants) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined || p.CallID != c.callID {
		return
	}
	records := ToDomain(p.Records, c.sessionID)
	c.last = records

	for _, ch := range c.subs {
		snapshot := append([]domain.ParticipantRecord(nil), records...)
		select {
		case ch <- snapshot:
		default:
			// Slow subscriber: only the newest snapshot matters.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}
