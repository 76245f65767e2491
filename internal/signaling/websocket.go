package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callbridge/callbridge/internal/errdefs"
	"github.com/callbridge/callbridge/internal/store/models"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may go without a pong.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SignalFunc stores and relays one signaling message. Wired to
// Manager.RelaySignal so socket traffic drives the same state machine as
// the REST endpoint.
type SignalFunc func(ctx context.Context, callID, senderID string, kind models.SignalKind, payload []byte) (*models.SignalingMessage, error)

// wireSignal is the JSON frame delivered to attached endpoints. Receivers
// dedupe by id: delivery is at-least-once.
type wireSignal struct {
	ID        int64     `json:"id"`
	CallID    string    `json:"call_id"`
	SenderID  string    `json:"sender_id"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// inboundSignal is the frame read from a client.
type inboundSignal struct {
	Kind    string `json:"kind"`
	Payload []byte `json:"payload"`
}

// ServeWS upgrades an authorized request to a websocket and attaches the
// participant to the call: undelivered messages are replayed in insertion
// order, then live messages stream. consumed flips only after a successful
// socket write. Inbound frames feed the relay like REST signals.
func ServeWS(hub *Hub, relay SignalFunc, maxSignalBytes int64, w http.ResponseWriter, r *http.Request, callID, userID string, logger *slog.Logger) {
	log := logger.With("subsystem", "signaling", "call_id", callID, "participant", userID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	live := hub.Subscribe(callID, userID)
	defer hub.Unsubscribe(callID, userID, live)

	go writePump(ctx, conn, hub, live, callID, userID, log)

	// Read loop runs on the handler goroutine; returning tears the
	// connection down via the deferred cancel.
	// Base64 framing expands payloads by 4/3.
	conn.SetReadLimit(maxSignalBytes + maxSignalBytes/3 + 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}

		var in inboundSignal
		if err := json.Unmarshal(data, &in); err != nil {
			log.Warn("dropping malformed socket frame", "error", err)
			continue
		}
		kind := models.SignalKind(in.Kind)
		if !kind.Valid() {
			log.Warn("dropping socket frame with invalid kind", "kind", in.Kind)
			continue
		}

		if _, err := relay(ctx, callID, userID, kind, in.Payload); err != nil {
			if errors.Is(err, errdefs.ErrSessionClosed) {
				return
			}
			log.Warn("relaying socket signal", "kind", in.Kind, "error", err)
		}
	}
}

// writePump replays the participant's backlog, then streams live messages
// and keepalive pings until the call or connection closes.
func writePump(ctx context.Context, conn *websocket.Conn, hub *Hub, live <-chan models.SignalingMessage, callID, userID string, log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	backlog, err := hub.Backlog(ctx, callID, userID)
	if err != nil {
		log.Error("loading signal backlog", "error", err)
		return
	}
	for _, msg := range backlog {
		if !writeSignal(ctx, conn, hub, msg, log) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-live:
			if !ok {
				// Call reached a terminal status.
				deadline := time.Now().Add(writeWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"), deadline)
				return
			}
			if !writeSignal(ctx, conn, hub, msg, log) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeSignal writes one frame and flips its consumed flag on success.
// Returns false when the connection is no longer usable.
func writeSignal(ctx context.Context, conn *websocket.Conn, hub *Hub, msg models.SignalingMessage, log *slog.Logger) bool {
	frame := wireSignal{
		ID:        msg.ID,
		CallID:    msg.CallID,
		SenderID:  msg.SenderID,
		Kind:      string(msg.Kind),
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt,
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return false
	}
	if err := hub.MarkConsumed(ctx, []int64{msg.ID}); err != nil {
		// The message stays unconsumed and will replay on reattach.
		log.Warn("marking signal consumed", "signal_id", msg.ID, "error", err)
	}
	return true
}
