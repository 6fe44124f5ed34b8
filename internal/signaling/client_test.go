package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/service/call"
	"telecare-backend/internal/service/device"
	"telecare-backend/pkg/protocol"
)

// peer is a minimal signaling server that answers join and leave and
// records every frame it receives
type peer struct {
	t        *testing.T
	mu       sync.Mutex
	frames   []*protocol.Envelope
	header   http.Header
	records  []protocol.WireParticipant
	joinCode string
	// holds the join acknowledgement back
	joinDelay time.Duration
}

func (p *peer) received(msgType string) []*protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*protocol.Envelope
	for _, f := range p.frames {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (p *peer) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	p.mu.Lock()
	p.header = r.Header.Clone()
	p.mu.Unlock()

	reply := func(id, msgType string, payload any) {
		data, err := protocol.EncodeID(id, msgType, payload)
		if !assert.NoError(p.t, err) {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		p.mu.Lock()
		p.frames = append(p.frames, env)
		code := p.joinCode
		records := p.records
		delay := p.joinDelay
		p.mu.Unlock()

		switch env.Type {
		case protocol.TypeJoin:
			var join protocol.Join
			_ = env.DecodePayload(&join)
			if code != "" {
				reply(env.ID, protocol.TypeError, protocol.Error{Code: code, Message: "call does not exist"})
				continue
			}
			time.Sleep(delay)
			reply(env.ID, protocol.TypeJoined, protocol.Joined{CallID: join.CallID, SessionID: "sess-local"})
			reply("", protocol.TypeParticipants, protocol.Participants{CallID: join.CallID, Records: records})
		case protocol.TypeLeave:
			var left protocol.Left
			_ = env.DecodePayload(&left)
			reply(env.ID, protocol.TypeLeft, left)
		}
	}
}

func (p *peer) set(records []protocol.WireParticipant, joinCode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = records
	p.joinCode = joinCode
}

func startPeer(t *testing.T) (*peer, string) {
	t.Helper()
	p := &peer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(srv.Close)
	return p, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialPeer(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, domain.SessionDescriptor{
		UserID:     "patient-1",
		VideoToken: "stream-token",
		APIKey:     "key-1",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestClient_DialSendsCredentials(t *testing.T) {
	p, url := startPeer(t)
	c := dialPeer(t, url)

	// a round trip guarantees the handshake was recorded
	require.NoError(t, c.Join(context.Background(), "call_a", call.JoinOptions{}))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, "Bearer stream-token", p.header.Get("Authorization"))
	assert.Equal(t, "key-1", p.header.Get(protocol.HeaderStreamKey))
}

func TestClient_JoinAndReceiveParticipants(t *testing.T) {
	p, url := startPeer(t)
	p.set([]protocol.WireParticipant{
		{UserID: "patient-1", SessionID: "sess-local", JoinedAt: "2026-01-02T10:00:00Z", Camera: true},
		{UserID: "doctor-1", SessionID: "sess-doc", JoinedAt: "garbage"},
	}, "")
	c := dialPeer(t, url)

	err := c.Join(context.Background(), "call_a", call.JoinOptions{Create: true, Video: true, Audio: true, Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "sess-local", c.SessionID())

	joins := p.received(protocol.TypeJoin)
	require.Len(t, joins, 1)
	var join protocol.Join
	require.NoError(t, joins[0].DecodePayload(&join))
	assert.Equal(t, protocol.Join{CallID: "call_a", Token: "tok", Create: true, Video: true, Audio: true}, join)

	updates, cancel := c.Subscribe()
	defer cancel()

	var got []domain.ParticipantRecord
	require.Eventually(t, func() bool {
		select {
		case got = <-updates:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.Len(t, got, 2)
	assert.True(t, got[0].IsLocal)
	assert.True(t, got[0].Media.CameraEnabled)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), got[0].JoinedAt.UTC())
	assert.False(t, got[1].IsLocal)
	assert.True(t, got[1].JoinedAt.IsZero())
}

func TestClient_JoinError(t *testing.T) {
	p, url := startPeer(t)
	p.set(nil, protocol.CodeInvalidCall)
	c := dialPeer(t, url)

	err := c.Join(context.Background(), "call_missing", call.JoinOptions{})

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CodeInvalidCall, remote.Code)
	assert.Empty(t, c.SessionID())
}

func TestClient_LateJoinAckIsLeft(t *testing.T) {
	p, url := startPeer(t)
	p.mu.Lock()
	p.joinDelay = 150 * time.Millisecond
	p.mu.Unlock()
	c := dialPeer(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Join(ctx, "call_a", call.JoinOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the server joined after the request gave up; the client leaves again
	require.Eventually(t, func() bool {
		return len(p.received(protocol.TypeLeave)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var left protocol.Left
	require.NoError(t, p.received(protocol.TypeLeave)[0].DecodePayload(&left))
	assert.Equal(t, "call_a", left.CallID)
	assert.Empty(t, c.SessionID())

	// not joined: no media frames, no second leave
	require.NoError(t, c.SetEnabled(context.Background(), device.Camera, true))
	require.NoError(t, c.Leave(context.Background()))
	assert.Empty(t, p.received(protocol.TypeMedia))
	assert.Len(t, p.received(protocol.TypeLeave), 1)
}

func TestClient_RequestsCarryIDs(t *testing.T) {
	p, url := startPeer(t)
	c := dialPeer(t, url)

	require.NoError(t, c.Join(context.Background(), "call_a", call.JoinOptions{}))
	require.NoError(t, c.Leave(context.Background()))

	joins, leaves := p.received(protocol.TypeJoin), p.received(protocol.TypeLeave)
	require.Len(t, joins, 1)
	require.Len(t, leaves, 1)
	assert.NotEmpty(t, joins[0].ID)
	assert.NotEmpty(t, leaves[0].ID)
	assert.NotEqual(t, joins[0].ID, leaves[0].ID)
}

func TestClient_JoinSameCallTwiceIsNoop(t *testing.T) {
	p, url := startPeer(t)
	c := dialPeer(t, url)

	require.NoError(t, c.Join(context.Background(), "call_a", call.JoinOptions{}))
	require.NoError(t, c.Join(context.Background(), "call_a", call.JoinOptions{}))
	assert.Len(t, p.received(protocol.TypeJoin), 1)

	err := c.Join(context.Background(), "call_b", call.JoinOptions{})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CodeAlreadyJoined, remote.Code)
}

func TestClient_SetEnabledOnlyWhenJoined(t *testing.T) {
	p, url := startPeer(t)
	c := dialPeer(t, url)
	ctx := context.Background()

	require.NoError(t, c.SetEnabled(ctx, device.Camera, false))
	require.NoError(t, c.Join(ctx, "call_a", call.JoinOptions{}))
	require.NoError(t, c.SetEnabled(ctx, device.Microphone, false))
	require.NoError(t, c.Leave(ctx))

	media := p.received(protocol.TypeMedia)
	require.Len(t, media, 1)
	var m protocol.Media
	require.NoError(t, media[0].DecodePayload(&m))
	assert.Equal(t, protocol.Media{Kind: "microphone", Enabled: false}, m)
}

func TestClient_LeaveWhenNotJoinedIsNoop(t *testing.T) {
	p, url := startPeer(t)
	c := dialPeer(t, url)

	require.NoError(t, c.Leave(context.Background()))
	require.NoError(t, c.Join(context.Background(), "call_a", call.JoinOptions{}))
	require.NoError(t, c.Leave(context.Background()))
	require.NoError(t, c.Leave(context.Background()))

	assert.Len(t, p.received(protocol.TypeLeave), 1)
}

func TestClient_SubscribeReplaysLastSnapshot(t *testing.T) {
	p, url := startPeer(t)
	p.set([]protocol.WireParticipant{{UserID: "doctor-1", SessionID: "sess-doc"}}, "")
	c := dialPeer(t, url)
	require.NoError(t, c.Join(context.Background(), "call_a", call.JoinOptions{}))

	first, cancelFirst := c.Subscribe()
	defer cancelFirst()
	require.Eventually(t, func() bool { return len(first) == 1 }, time.Second, 5*time.Millisecond)

	second, cancelSecond := c.Subscribe()
	got := <-second
	require.Len(t, got, 1)
	assert.Equal(t, "doctor-1", got[0].UserID)

	cancelSecond()
	cancelSecond()
	_, open := <-second
	assert.False(t, open)
}

func TestClient_DisconnectClosesSubscribersAndRequests(t *testing.T) {
	_, url := startPeer(t)
	c := dialPeer(t, url)
	updates, _ := c.Subscribe()

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())

	_, open := <-updates
	assert.False(t, open)
	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.Join(context.Background(), "call_a", call.JoinOptions{}), ErrClosed)

	late, _ := c.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestClient_ServerCloseMarksClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), domain.SessionDescriptor{UserID: "u"}, nil)
	require.NoError(t, err)

	assert.Eventually(t, c.Closed, time.Second, 5*time.Millisecond)
}

func TestClientFactory_DialFailure(t *testing.T) {
	factory := NewClientFactory("ws://127.0.0.1:1/v1/stream/ws", nil)

	c, err := factory(context.Background(), domain.SessionDescriptor{UserID: "u"})

	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestToDomain(t *testing.T) {
	recs := ToDomain([]protocol.WireParticipant{
		{UserID: "a", SessionID: "s1", JoinedAt: "2026-03-01T08:00:00.5Z", Microphone: true, Screen: true},
		{UserID: "b", SessionID: "s2"},
	}, "")

	require.Len(t, recs, 2)
	assert.False(t, recs[0].IsLocal, "no local session before join")
	assert.Equal(t, domain.MediaState{MicrophoneEnabled: true, ScreenShare: true}, recs[0].Media)
	assert.Equal(t, 500*time.Millisecond, time.Duration(recs[0].JoinedAt.Nanosecond()))
	assert.True(t, recs[1].JoinedAt.IsZero())

	assert.Empty(t, ToDomain(nil, "s1"))
}

func TestToWire(t *testing.T) {
	joined := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	w := ToWire(domain.ParticipantRecord{
		UserID: "a", SessionID: "s1", JoinedAt: joined,
		Media: domain.MediaState{CameraEnabled: true},
	})

	assert.Equal(t, "2026-03-01T08:00:00Z", w.JoinedAt)
	assert.True(t, w.Camera)
	assert.Equal(t, joined, ToDomain([]protocol.WireParticipant{w}, "")[0].JoinedAt)
}
