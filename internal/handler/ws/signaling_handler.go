package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/middleware"
	"telecare-backend/internal/service/device"
	"telecare-backend/internal/signaling"
	"telecare-backend/pkg/constants"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/jwt"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
	"telecare-backend/pkg/protocol"
)

const (
	sendBuffer = 64
	opTimeout  = 10 * time.Second
)

// ParticipantStore holds the raw session records of each call
type ParticipantStore interface {
	Put(ctx context.Context, callID string, rec domain.ParticipantRecord) error
	Refresh(ctx context.Context, callID, sessionID string) (bool, error)
	Remove(ctx context.Context, callID, sessionID string) error
	List(ctx context.Context, callID string) ([]domain.ParticipantRecord, error)
}

// CallBus fans "participants changed" out to every instance
type CallBus interface {
	Publish(ctx context.Context, callID string) error
	Subscribe(ctx context.Context, callID string) (<-chan struct{}, func(), error)
}

// Membership persists who is in a call
type Membership interface {
	JoinCall(ctx context.Context, callID string, userID uuid.UUID, create bool) error
	LeaveCall(ctx context.Context, callID string, userID uuid.UUID) (bool, error)
}

// StreamTokenValidator checks the stream token carried by a join
type StreamTokenValidator interface {
	ValidateStreamToken(tokenString string) (*jwt.StreamClaims, error)
}

// HubConfig holds hub settings
type HubConfig struct {
	MaxConnections int
	ParticipantTTL time.Duration
	AllowedOrigins []string
}

// SignalingHub manages signaling connections. Each connection is one
// participant session; the hub keeps its record in the ParticipantStore and
// pushes the full record set of a call to every joined connection whenever
// it changes, on any instance.
type SignalingHub struct {
	// Joined clients per call on this instance
	calls map[string]map[*SignalingClient]bool

	// Cancel functions for call subscriptions
	subscriptionCancels map[string]func()

	// Every open connection, joined or not
	clients map[*SignalingClient]bool

	store      ParticipantStore
	bus        CallBus
	membership Membership
	tokens     StreamTokenValidator
	metrics    *metrics.Metrics

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup

	upgrader     websocket.Upgrader
	pingInterval time.Duration

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// SignalingClient is one WebSocket connection
type SignalingClient struct {
	hub       *SignalingHub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	userID      uuid.UUID
	tokenCallID string
	sessionID   string

	// touched only by the read goroutine
	callID string
	record domain.ParticipantRecord
}

// NewSignalingHub creates a new signaling hub. m may be nil.
func NewSignalingHub(store ParticipantStore, bus CallBus, membership Membership, tokens StreamTokenValidator, cfg HubConfig, m *metrics.Metrics) *SignalingHub {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1000
	}

	// records must be refreshed well inside their TTL
	pingInterval := constants.WebSocketPingInterval
	if cfg.ParticipantTTL > 0 && cfg.ParticipantTTL/3 < pingInterval {
		pingInterval = cfg.ParticipantTTL / 3
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SignalingHub{
		calls:               make(map[string]map[*SignalingClient]bool),
		subscriptionCancels: make(map[string]func()),
		clients:             make(map[*SignalingClient]bool),
		store:               store,
		bus:                 bus,
		membership:          membership,
		tokens:              tokens,
		metrics:             m,
		ctx:                 ctx,
		cancel:              cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// native agents send no Origin
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
		pingInterval:   pingInterval,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// ServeWS handles WebSocket requests for signaling. StreamAuthMiddleware must
// run first.
func (h *SignalingHub) ServeWS(c *gin.Context) {
	userID, ok := c.Get(middleware.ContextUserID)
	tokenCallID := c.GetString(middleware.ContextCallID)
	uid, isUUID := userID.(uuid.UUID)
	if !ok || !isUUID || tokenCallID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is shutting down"})
		return
	}

	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", uid.String()),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		userID:      uid,
		tokenCallID: tokenCallID,
		sessionID:   uuid.New().String(),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.semaphore
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, protocol.CodeServerShutdown),
			time.Now().Add(constants.WebSocketWriteWait))
		_ = conn.Close()
		return
	}
	h.clients[client] = true
	count := len(h.clients)
	h.wg.Add(1)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(count)
	}
	logger.Debug("Signaling connection opened",
		zap.String("user_id", uid.String()),
		zap.String("session_id", client.sessionID))

	go client.writePump()
	go client.readPump()
}

// Shutdown tells every connection the server is going away and waits for
// their sessions to be cleaned up
func (h *SignalingHub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*SignalingClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.sendError("", protocol.CodeServerShutdown, "server is shutting down")
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	defer h.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connections returns the number of open connections
func (h *SignalingHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// register adds a joined client to its call, subscribing this instance to the
// call's notifications when it is the first local member
func (h *SignalingHub) register(c *SignalingClient) {
	h.mu.Lock()
	if clients, ok := h.calls[c.callID]; ok {
		clients[c] = true
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	updates, cancel, err := h.bus.Subscribe(h.ctx, c.callID)
	if err != nil {
		logger.Error("Failed to subscribe to call updates",
			zap.String("call_id", c.callID),
			zap.Error(err))
	}

	h.mu.Lock()
	if clients, ok := h.calls[c.callID]; ok {
		clients[c] = true
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	h.calls[c.callID] = map[*SignalingClient]bool{c: true}
	if cancel != nil {
		h.subscriptionCancels[c.callID] = cancel
	}
	h.mu.Unlock()

	if updates != nil {
		go h.subscribeToCall(c.callID, updates)
	}
}

// unregister removes a client from its call and drops the call's
// subscription once no local member remains
func (h *SignalingHub) unregister(c *SignalingClient, callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.calls[callID]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		if cancel, ok := h.subscriptionCancels[callID]; ok {
			cancel()
			delete(h.subscriptionCancels, callID)
		}
		delete(h.calls, callID)
	}
}

func (h *SignalingHub) subscribeToCall(callID string, updates <-chan struct{}) {
	for range updates {
		h.broadcastSnapshot(callID)
	}
}

// notify announces a change of callID's records. Without a working bus the
// change is still pushed to this instance's members.
func (h *SignalingHub) notify(ctx context.Context, callID string) {
	h.mu.Lock()
	_, subscribed := h.subscriptionCancels[callID]
	h.mu.Unlock()

	if err := h.bus.Publish(ctx, callID); err != nil {
		logger.Warn("Failed to publish call update",
			zap.String("call_id", callID),
			zap.Error(err))
		subscribed = false
	}
	if !subscribed {
		h.broadcastSnapshot(callID)
	}
}

// broadcastSnapshot sends the full record set of callID to every local member
func (h *SignalingHub) broadcastSnapshot(callID string) {
	ctx, cancel := context.WithTimeout(h.ctx, opTimeout)
	defer cancel()

	records, err := h.store.List(ctx, callID)
	if err != nil {
		logger.Error("Failed to list participants",
			zap.String("call_id", callID),
			zap.Error(err))
		return
	}

	wire := make([]protocol.WireParticipant, 0, len(records))
	for _, r := range records {
		wire = append(wire, signaling.ToWire(r))
	}
	data, err := protocol.Encode(protocol.TypeParticipants, protocol.Participants{CallID: callID, Records: wire})
	if err != nil {
		logger.Error("Failed to encode participants", zap.Error(err))
		return
	}

	h.mu.Lock()
	targets := make([]*SignalingClient, 0, len(h.calls[callID]))
	for c := range h.calls[callID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			logger.Warn("Dropping slow signaling client",
				zap.String("call_id", callID),
				zap.String("session_id", c.sessionID))
			c.close()
			continue
		}
		h.recordMessage(protocol.TypeParticipants, "out")
	}
}

func (h *SignalingHub) recordMessage(msgType, direction string) {
	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage(msgType, direction)
	}
}

func (h *SignalingHub) recordError(code string) {
	if h.metrics != nil {
		h.metrics.RecordWebSocketError(code)
	}
}

// readPump reads frames and runs them in order
func (c *SignalingClient) readPump() {
	defer func() {
		c.disconnect()
		c.close()
	}()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		c.refresh()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Signaling connection closed",
					zap.String("session_id", c.sessionID),
					zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.sendError("", protocol.CodeBadMessage, err.Error())
			continue
		}
		c.hub.recordMessage(env.Type, "in")

		switch env.Type {
		case protocol.TypeJoin:
			c.handleJoin(env)
		case protocol.TypeLeave:
			c.handleLeave(env)
		case protocol.TypeMedia:
			c.handleMedia(env)
		default:
			c.sendError(env.ID, protocol.CodeBadMessage, "unknown message type "+env.Type)
		}
	}
}

func (c *SignalingClient) handleJoin(env *protocol.Envelope) {
	var join protocol.Join
	if err := env.DecodePayload(&join); err != nil {
		c.sendError(env.ID, protocol.CodeBadMessage, err.Error())
		return
	}

	if c.callID != "" {
		if c.callID == join.CallID {
			c.reply(env.ID, protocol.TypeJoined, protocol.Joined{CallID: c.callID, SessionID: c.sessionID})
			return
		}
		c.sendError(env.ID, protocol.CodeAlreadyJoined, "connection already joined "+c.callID)
		return
	}

	if err := c.authorize(join); err != nil {
		logger.Warn("Join rejected",
			zap.String("call_id", join.CallID),
			zap.String("user_id", c.userID.String()),
			zap.Error(err))
		c.sendError(env.ID, protocol.CodeInvalidCall, "call does not match credentials")
		return
	}

	ctx, cancel := context.WithTimeout(c.hub.ctx, opTimeout)
	defer cancel()

	if err := c.hub.membership.JoinCall(ctx, join.CallID, c.userID, join.Create); err != nil {
		code := protocol.CodeInternal
		if apperrors.HasCode(err, apperrors.ErrCodeInvalidCall) {
			code = protocol.CodeInvalidCall
		}
		c.sendError(env.ID, code, "join failed")
		return
	}

	rec := domain.ParticipantRecord{
		UserID:    c.userID.String(),
		SessionID: c.sessionID,
		JoinedAt:  time.Now().UTC(),
		Media: domain.MediaState{
			CameraEnabled:     join.Video,
			MicrophoneEnabled: join.Audio,
		},
	}
	if err := c.hub.store.Put(ctx, join.CallID, rec); err != nil {
		logger.Error("Failed to store participant",
			zap.String("call_id", join.CallID),
			zap.String("session_id", c.sessionID),
			zap.Error(err))
		if _, leaveErr := c.hub.membership.LeaveCall(ctx, join.CallID, c.userID); leaveErr != nil {
			logger.Warn("Failed to roll back membership", zap.Error(leaveErr))
		}
		c.sendError(env.ID, protocol.CodeInternal, "join failed")
		return
	}

	c.callID = join.CallID
	c.record = rec
	c.hub.register(c)

	c.reply(env.ID, protocol.TypeJoined, protocol.Joined{CallID: c.callID, SessionID: c.sessionID})
	c.hub.notify(ctx, c.callID)

	logger.Info("Participant joined",
		zap.String("call_id", c.callID),
		zap.String("user_id", c.userID.String()),
		zap.String("session_id", c.sessionID))
}

// authorize checks the join's call. Without a join token only the call of
// the handshake token may be joined. A join token must be a stream token for
// the joined call issued to the connection's user; it lets one connection
// move between calls.
func (c *SignalingClient) authorize(join protocol.Join) error {
	if join.CallID == "" {
		return errors.New("join has no call id")
	}
	if join.Token == "" {
		if join.CallID != c.tokenCallID {
			return errors.New("call id does not match handshake token")
		}
		return nil
	}
	claims, err := c.hub.tokens.ValidateStreamToken(join.Token)
	if err != nil {
		return err
	}
	if claims.CallID != join.CallID || claims.UserID != c.userID {
		return errors.New("join token does not match connection")
	}
	return nil
}

func (c *SignalingClient) handleLeave(env *protocol.Envelope) {
	if c.callID == "" {
		c.sendError(env.ID, protocol.CodeNotJoined, "not in a call")
		return
	}
	callID := c.callID
	c.leave()
	c.reply(env.ID, protocol.TypeLeft, protocol.Left{CallID: callID})
}

func (c *SignalingClient) handleMedia(env *protocol.Envelope) {
	var media protocol.Media
	if err := env.DecodePayload(&media); err != nil {
		c.sendError(env.ID, protocol.CodeBadMessage, err.Error())
		return
	}
	kind, err := device.ParseKind(media.Kind)
	if err != nil {
		c.sendError(env.ID, protocol.CodeBadMessage, err.Error())
		return
	}
	if c.callID == "" {
		c.sendError(env.ID, protocol.CodeNotJoined, "not in a call")
		return
	}

	switch kind {
	case device.Camera:
		c.record.Media.CameraEnabled = media.Enabled
	case device.Microphone:
		c.record.Media.MicrophoneEnabled = media.Enabled
	case device.Screen:
		c.record.Media.ScreenShare = media.Enabled
	}

	ctx, cancel := context.WithTimeout(c.hub.ctx, opTimeout)
	defer cancel()

	if err := c.hub.store.Put(ctx, c.callID, c.record); err != nil {
		logger.Warn("Failed to update participant media",
			zap.String("session_id", c.sessionID),
			zap.Error(err))
		return
	}
	c.hub.notify(ctx, c.callID)
}

// leave removes this session from its call
func (c *SignalingClient) leave() {
	callID := c.callID
	c.callID = ""
	c.hub.unregister(c, callID)

	// cleanup must finish even while the hub shuts down
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := c.hub.store.Remove(ctx, callID, c.sessionID); err != nil {
		logger.Warn("Failed to remove participant",
			zap.String("call_id", callID),
			zap.String("session_id", c.sessionID),
			zap.Error(err))
	}

	// membership belongs to the user; another live session keeps it
	ended := false
	if c.otherSession(ctx, callID) {
		logger.Debug("User still in call on another session",
			zap.String("call_id", callID),
			zap.String("user_id", c.userID.String()))
	} else {
		var err error
		ended, err = c.hub.membership.LeaveCall(ctx, callID, c.userID)
		if err != nil {
			logger.Warn("Failed to record leave",
				zap.String("call_id", callID),
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
		}
	}

	c.hub.notify(ctx, callID)

	logger.Info("Participant left",
		zap.String("call_id", callID),
		zap.String("session_id", c.sessionID),
		zap.Bool("call_ended", ended))
}

// otherSession reports whether callID still holds a record of this user
// under another session. A store error counts as none.
func (c *SignalingClient) otherSession(ctx context.Context, callID string) bool {
	records, err := c.hub.store.List(ctx, callID)
	if err != nil {
		logger.Warn("Failed to list participants",
			zap.String("call_id", callID),
			zap.Error(err))
		return false
	}
	userID := c.userID.String()
	for _, r := range records {
		if r.UserID == userID && r.SessionID != c.sessionID {
			return true
		}
	}
	return false
}

// refresh keeps a live session's record from expiring. A record lost to
// expiry or a store flush is written back.
func (c *SignalingClient) refresh() {
	if c.callID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(c.hub.ctx, opTimeout)
	defer cancel()

	ok, err := c.hub.store.Refresh(ctx, c.callID, c.sessionID)
	if err != nil {
		logger.Warn("Failed to refresh participant",
			zap.String("session_id", c.sessionID),
			zap.Error(err))
		return
	}
	if !ok {
		if err := c.hub.store.Put(ctx, c.callID, c.record); err != nil {
			logger.Warn("Failed to restore participant", zap.Error(err))
			return
		}
		c.hub.notify(ctx, c.callID)
	}
}

func (c *SignalingClient) disconnect() {
	if c.callID != "" {
		c.leave()
	}

	h := c.hub
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(count)
	}
	<-h.semaphore
	h.wg.Done()
}

// reply queues a frame; id is the request it answers, empty for pushes
func (c *SignalingClient) reply(id, msgType string, payload any) {
	data, err := protocol.EncodeID(id, msgType, payload)
	if err != nil {
		logger.Error("Failed to encode frame", zap.String("type", msgType), zap.Error(err))
		return
	}
	if c.enqueue(data) {
		c.hub.recordMessage(msgType, "out")
	}
}

func (c *SignalingClient) sendError(id, code, message string) {
	c.hub.recordError(code)
	c.reply(id, protocol.TypeError, protocol.Error{Code: code, Message: message})
}

// enqueue reports false when the client is closed or too slow
func (c *SignalingClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *SignalingClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump writes frames to the WebSocket and pings the peer. Queued
// frames are flushed before the close frame.
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	write := func(data []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
		return c.conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	for {
		select {
		case data := <-c.send:
			if !write(data) {
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			for {
				select {
				case data := <-c.send:
					if !write(data) {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(constants.WebSocketWriteWait))
					return
				}
			}
		}
	}
}
