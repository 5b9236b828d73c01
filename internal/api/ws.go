package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"towerintel/internal/auth"
	"towerintel/internal/bus"
	"towerintel/internal/hub"
	"towerintel/internal/logging"
)

const maxFrameBytes = 64 << 10

// wsMessage is both the inbound client frame and the server's control reply.
type wsMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Floor   int    `json:"floor,omitempty"`
	User    string `json:"user,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsTransport adapts a gorilla connection to hub.Transport. The upgrade
// happens in Accept so the hub can refuse a client before any handshake.
type wsTransport struct {
	w            http.ResponseWriter
	r            *http.Request
	up           *websocket.Upgrader
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (s *Server) newTransport(w http.ResponseWriter, r *http.Request) *wsTransport {
	return &wsTransport{w: w, r: r, up: &s.upgrader, writeTimeout: s.cfg.WS.SendTimeout}
}

func (t *wsTransport) Accept(context.Context) error {
	if t.conn != nil {
		return nil
	}
	c, err := t.up.Upgrade(t.w, t.r, nil)
	if err != nil {
		return err
	}
	t.conn = c
	return nil
}

func (t *wsTransport) Send(ctx context.Context, msg []byte) error {
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(t.writeTimeout)
	}
	if err := t.conn.SetWriteDeadline(dl); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *wsTransport) Close() error {
	return t.closeWith(websocket.CloseNormalClosure, "")
}

func (t *wsTransport) RemoteAddr() string {
	host, _, err := net.SplitHostPort(t.r.RemoteAddr)
	if err != nil {
		return t.r.RemoteAddr
	}
	return host
}

func (t *wsTransport) closeWith(code int, reason string) error {
	if t.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

// reject completes the upgrade if needed and closes with code.
func (t *wsTransport) reject(ctx context.Context, code int, reason string) {
	if err := t.Accept(ctx); err != nil {
		return
	}
	_ = t.closeWith(code, reason)
}

func (t *wsTransport) keepalive(ctx context.Context, every time.Duration) {
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// TowerFeedWSHandler handles GET /ws/tower-feed?token=...
func (s *Server) TowerFeedWSHandler(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, bus.TowerFeed, 0, "Connected to Frontier Tower AI Feed")
}

// FloorPulseWSHandler handles GET /ws/floor-pulse/{floor_id}?token=...
func (s *Server) FloorPulseWSHandler(w http.ResponseWriter, r *http.Request) {
	floor, err := strconv.Atoi(chi.URLParam(r, "floor_id"))
	channel := ""
	if err == nil && s.intel.ValidFloor(floor) {
		channel = bus.FloorChannel(floor)
	}
	s.serveWS(w, r, channel, floor, fmt.Sprintf("Connected to Floor %d Pulse Feed", floor))
}

// serveWS authenticates, registers the connection on channel and runs the
// client read loop until the peer goes away. An empty channel means the
// requested floor does not exist.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, channel string, floor int, welcome string) {
	ctx := r.Context()
	t := s.newTransport(w, r)

	id, err := s.auth.Verify(ctx, r.URL.Query().Get("token"))
	if err != nil {
		reason := "Invalid token"
		if errors.Is(err, auth.ErrMissingCredential) {
			reason = "Missing token"
		}
		t.reject(ctx, websocket.ClosePolicyViolation, reason)
		return
	}
	if channel == "" {
		t.reject(ctx, websocket.CloseUnsupportedData, "Invalid floor")
		return
	}

	conn, err := s.hub.Connect(ctx, t, id.Subject, channel)
	switch {
	case errors.Is(err, hub.ErrTooManyConnections):
		writeProblem(w, http.StatusTooManyRequests, "Too Many Connections", "connection limit per address reached", r.URL.Path)
		return
	case errors.Is(err, hub.ErrUnknownChannel):
		t.reject(ctx, websocket.CloseUnsupportedData, "Unknown channel")
		return
	case err != nil:
		logging.Ctx(ctx).Debug().Err(err).Str("channel", channel).Msg("websocket connect failed")
		return
	}
	defer s.hub.Disconnect(conn)

	log := logging.Ctx(ctx).With().Str("conn", conn.ID).Str("channel", channel).Logger()
	log.Info().Str("subject", id.Subject).Msg("websocket connected")

	hello := wsMessage{Type: "connected", Channel: channel, User: id.Subject, Message: welcome}
	if floor > 0 {
		hello.Floor = floor
	}
	if err := s.reply(ctx, conn, hello); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	err = s.readLoop(ctx, t, conn)
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Debug().Err(err).Msg("websocket read ended")
	}
	log.Info().Msg("websocket disconnected")
}

func (s *Server) readLoop(ctx context.Context, t *wsTransport, conn *hub.Connection) error {
	hb := s.cfg.WS.HeartbeatInterval
	c := t.conn
	c.SetReadLimit(maxFrameBytes)
	_ = c.SetReadDeadline(time.Now().Add(2 * hb))
	c.SetPongHandler(func(string) error { return c.SetReadDeadline(time.Now().Add(2 * hb)) })
	go t.keepalive(ctx, hb)

	limit := rate.Inf
	if s.cfg.WS.InboundRate > 0 {
		limit = rate.Limit(s.cfg.WS.InboundRate)
	}
	inbound := rate.NewLimiter(limit, max(s.cfg.WS.InboundBurst, 1))

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return err
		}
		if !inbound.Allow() {
			if err := s.reply(ctx, conn, wsMessage{Type: "error", Message: "rate limit exceeded"}); err != nil {
				return err
			}
			continue
		}
		var in wsMessage
		if err := json.Unmarshal(data, &in); err != nil {
			if err := s.reply(ctx, conn, wsMessage{Type: "error", Message: "invalid message"}); err != nil {
				return err
			}
			continue
		}
		var out wsMessage
		switch in.Type {
		case "ping":
			out = wsMessage{Type: "pong"}
		case "subscribe":
			out = s.subscribe(ctx, conn, in.Channel)
		default:
			continue
		}
		if err := s.reply(ctx, conn, out); err != nil {
			return err
		}
	}
}

func (s *Server) subscribe(ctx context.Context, conn *hub.Connection, channel string) wsMessage {
	err := s.hub.SubscribeAdditional(ctx, conn, channel)
	switch {
	case err == nil:
		return wsMessage{Type: "subscribed", Channel: channel}
	case errors.Is(err, hub.ErrUnknownChannel):
		return wsMessage{Type: "error", Channel: channel, Message: "unknown channel"}
	case errors.Is(err, hub.ErrForbidden):
		return wsMessage{Type: "error", Channel: channel, Message: "subscription not permitted"}
	default:
		return wsMessage{Type: "error", Channel: channel, Message: err.Error()}
	}
}

func (s *Server) reply(ctx context.Context, conn *hub.Connection, m wsMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.hub.Send(ctx, conn, b)
}
