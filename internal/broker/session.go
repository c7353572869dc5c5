package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streetlift/meetd/internal/event"
	"github.com/streetlift/meetd/internal/meet"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Per-session send buffer. Overflow policy lives in Hub.fanout.
	sendBuffer = 64
)

// Session kinds, as presented at join time.
const (
	KindJudge    = "judge"
	KindDirector = "director"
	KindViewer   = "viewer"
)

// Session is one connected device.
type Session struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	kind      string
	role      string // wire role: judge role, DIRECTOR, or viewer
	judgeRole meet.JudgeRole
	audience  event.Audience
	meetID    int64

	closeOnce sync.Once
}

// command is an inbound device message.
type command struct {
	Cmd            string  `json:"cmd"`
	AttemptID      int64   `json:"attempt_id,omitempty"`
	Vote           string  `json:"vote,omitempty"`
	RegistrationID int64   `json:"registration_id,omitempty"`
	LiftID         int64   `json:"lift_id,omitempty"`
	AttemptNo      int     `json:"attempt_no,omitempty"`
	Kg             float64 `json:"kg,omitempty"`
	Action         string  `json:"action,omitempty"`
	DurationS      int64   `json:"duration_s,omitempty"`
}

// ack is the per-command acknowledgement, returned to the originating
// session only. Broadcasts happen only on success, through the hub.
type ack struct {
	Type      string    `json:"type"`
	Cmd       string    `json:"cmd"`
	AckID     string    `json:"ack_id"`
	OK        bool      `json:"ok"`
	ErrorKind meet.Kind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

func newUpgrader(corsOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if corsOrigin == "" || corsOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == corsOrigin
		},
	}
}

// ServeWS authenticates a join request and hands the connection to the
// hub. Judges and the director present a signed token; viewers join
// unauthenticated and receive-only.
func (h *Hub) ServeWS(corsOrigin string) http.HandlerFunc {
	upgrader := newUpgrader(corsOrigin)

	return func(w http.ResponseWriter, r *http.Request) {
		kind := r.URL.Query().Get("role")
		code := r.URL.Query().Get("meet")
		token := r.URL.Query().Get("token")
		if code == "" {
			http.Error(w, "meet required", http.StatusBadRequest)
			return
		}

		m, err := h.meets.MeetByCode(r.Context(), code)
		if err != nil {
			http.Error(w, "unknown meet", http.StatusNotFound)
			return
		}

		s := &Session{
			id:     uuid.NewString(),
			hub:    h,
			send:   make(chan []byte, sendBuffer),
			closed: make(chan struct{}),
			kind:   kind,
			meetID: m.ID,
		}

		switch kind {
		case KindJudge:
			claims, err := VerifyToken(h.secret, token)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if claims.MeetID != m.ID {
				http.Error(w, "token is for a different meet", http.StatusUnauthorized)
				return
			}
			role, err := judgeRole(claims.Role)
			if err != nil {
				http.Error(w, "token role is not a judge role", http.StatusUnauthorized)
				return
			}
			s.judgeRole = role
			s.role = string(role)
			s.audience = event.Judges

		case KindDirector:
			claims, err := VerifyToken(h.secret, token)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if claims.MeetID != m.ID || claims.Role != RoleDirector {
				http.Error(w, "not a director token for this meet", http.StatusUnauthorized)
				return
			}
			s.role = RoleDirector
			s.audience = event.Director

		case KindViewer:
			s.role = KindViewer
			s.audience = event.Viewers

		default:
			http.Error(w, "role must be judge, director or viewer", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		s.conn = conn

		h.register <- s
		go s.writePump()
		go s.readPump()
	}
}

// shutdown tells writePump to say goodbye and exit. The send channel is
// never closed: readPump may still be acking a command that was in
// flight when the hub evicted the session, and a send on a closed
// channel would take the whole process down.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// readPump reads device commands until the connection drops. Commands
// dispatched here from a session that closes mid-flight still complete:
// votes cast before a disconnect count.
func (s *Session) readPump() {
	defer func() {
		s.conn.Close()
		select {
		case s.hub.unregister <- s:
		default:
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("session read error", "session_id", s.id, "error", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.ack(cmd, meet.E(meet.KindBadInput, "broker.readPump", "malformed command"))
			continue
		}
		s.ack(cmd, s.dispatch(cmd))
	}
}

// dispatch enforces role authority and forwards to the command port.
// Commands use a background context: a device disconnecting must not
// cancel a command it already submitted.
func (s *Session) dispatch(cmd command) error {
	const op = "broker.dispatch"
	ctx := context.Background()

	switch cmd.Cmd {
	case "judge.vote":
		if s.kind != KindJudge {
			return meet.E(meet.KindBadInput, op, "only judges vote")
		}
		_, err := s.hub.cmds.RegisterVote(ctx, s.meetID, cmd.AttemptID, s.judgeRole, meet.Vote(cmd.Vote))
		return err

	case "director.next":
		if s.kind != KindDirector {
			return meet.E(meet.KindBadInput, op, "only the director advances the meet")
		}
		return s.hub.cmds.Next(ctx, s.meetID)

	case "director.declare":
		if s.kind != KindDirector {
			return meet.E(meet.KindBadInput, op, "only the director declares weights")
		}
		return s.hub.cmds.DeclareWeight(ctx, s.meetID, cmd.RegistrationID, cmd.LiftID, cmd.AttemptNo, cmd.Kg)

	case "director.timer":
		if s.kind != KindDirector {
			return meet.E(meet.KindBadInput, op, "only the director controls the timer")
		}
		switch cmd.Action {
		case "start":
			return s.hub.cmds.StartTimer(ctx, s.meetID, time.Duration(cmd.DurationS)*time.Second)
		case "stop":
			return s.hub.cmds.StopTimer(ctx, s.meetID)
		default:
			return meet.E(meet.KindBadInput, op, "timer action must be start or stop")
		}

	default:
		return meet.E(meet.KindBadInput, op, "unknown command %q", cmd.Cmd)
	}
}

// ack reports a command result to the originating session only.
func (s *Session) ack(cmd command, err error) {
	a := ack{Type: "ack", Cmd: cmd.Cmd, AckID: uuid.NewString(), OK: err == nil}
	if err != nil {
		a.ErrorKind = meet.KindOf(err)
		a.Message = err.Error()
	}
	data, merr := json.Marshal(a)
	if merr != nil {
		return
	}
	select {
	case s.send <- data:
	default:
		// ack lost to backpressure; the client resyncs from broadcasts
	}
}

// writePump pushes hub events and acks to the device.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
