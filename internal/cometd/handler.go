package cometd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/resonance-music/resonance/internal/events"
)

var (
	okTrue  = true
	okFalse = false
)

// incoming is the subset of Bayeux fields the server reads from requests.
type incoming struct {
	Channel        string         `json:"channel"`
	ClientID       string         `json:"clientId"`
	ID             string         `json:"id"`
	ConnectionType string         `json:"connectionType"`
	Subscription   string         `json:"subscription"`
	Data           map[string]any `json:"data"`
}

// ServeHTTP handles POST /cometd. The body is a JSON array of Bayeux
// messages (a bare object is accepted too). A /meta/connect with
// connectionType "streaming" switches the response to a long-lived chunked
// stream; otherwise the connection long-polls.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var batch []incoming
	if err := json.Unmarshal(body, &batch); err != nil {
		var one incoming
		if err := json.Unmarshal(body, &one); err != nil {
			http.Error(w, "invalid bayeux payload", http.StatusBadRequest)
			return
		}
		batch = []incoming{one}
	}

	var replies []Message
	var connect *incoming
	var sess *Session

	for i := range batch {
		msg := &batch[i]
		switch msg.Channel {
		case "/meta/handshake":
			s := m.Handshake()
			replies = append(replies, Message{
				Channel:                  "/meta/handshake",
				ClientID:                 s.ID,
				ID:                       msg.ID,
				Successful:               &okTrue,
				Version:                  "1.0",
				SupportedConnectionTypes: []string{"long-polling", "streaming"},
				Advice:                   &Advice{Reconnect: "retry", Interval: 0, Timeout: int(m.pollTimeout / time.Millisecond)},
			})

		case "/meta/connect":
			s := m.Session(msg.ClientID)
			s.touch()
			connect = msg
			sess = s
			replies = append(replies, Message{
				Channel:    "/meta/connect",
				ClientID:   s.ID,
				ID:         msg.ID,
				Successful: &okTrue,
				Advice:     &Advice{Reconnect: "retry", Interval: 0, Timeout: int(m.pollTimeout / time.Millisecond)},
			})

		case "/meta/reconnect":
			s := m.Session(msg.ClientID)
			s.touch()
			connect = msg
			sess = s
			replies = append(replies, Message{
				Channel:    "/meta/reconnect",
				ClientID:   s.ID,
				ID:         msg.ID,
				Successful: &okTrue,
			})

		case "/meta/subscribe":
			s := m.Session(msg.ClientID)
			s.touch()
			s.subscribe(msg.Subscription)
			replies = append(replies, Message{
				Channel:      "/meta/subscribe",
				ClientID:     s.ID,
				ID:           msg.ID,
				Subscription: msg.Subscription,
				Successful:   &okTrue,
			})

		case "/meta/unsubscribe":
			s := m.Session(msg.ClientID)
			s.unsubscribe(msg.Subscription)
			replies = append(replies, Message{
				Channel:      "/meta/unsubscribe",
				ClientID:     s.ID,
				ID:           msg.ID,
				Subscription: msg.Subscription,
				Successful:   &okTrue,
			})

		case "/meta/disconnect":
			m.Drop(msg.ClientID)
			replies = append(replies, Message{
				Channel:    "/meta/disconnect",
				ClientID:   msg.ClientID,
				ID:         msg.ID,
				Successful: &okTrue,
			})

		case "/slim/subscribe":
			replies = append(replies, m.handleSlim(msg, true))

		case "/slim/unsubscribe":
			m.removeSlimSub(responseChannel(msg))
			replies = append(replies, Message{
				Channel:    "/slim/unsubscribe",
				ClientID:   msg.ClientID,
				ID:         msg.ID,
				Successful: &okTrue,
			})

		case "/slim/request":
			replies = append(replies, m.handleSlim(msg, false))

		default:
			replies = append(replies, Message{
				Channel:    msg.Channel,
				ClientID:   msg.ClientID,
				ID:         msg.ID,
				Successful: &okFalse,
				Error:      "unknown channel",
			})
		}
	}

	if connect != nil && sess != nil && connect.ConnectionType == "streaming" {
		m.serveStreaming(w, r, sess, replies)
		return
	}
	if connect != nil && sess != nil {
		m.serveLongPoll(w, r, sess, replies)
		return
	}
	writeBatch(w, replies)
}

// serveLongPoll holds the connection until an event arrives or the poll
// window elapses, then flushes the connect reply plus any queued events.
func (m *Manager) serveLongPoll(w http.ResponseWriter, r *http.Request, s *Session, replies []Message) {
	queued := s.drain()
	if len(queued) == 0 {
		timer := time.NewTimer(m.pollTimeout)
		defer timer.Stop()
		select {
		case <-s.wake:
			queued = s.drain()
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}
	s.touch()
	writeBatch(w, append(replies, queued...))
}

// serveStreaming keeps a chunked response open, flushing events as they
// queue, a heartbeat every pingInterval, for at most streamTimeout. Batches
// are CRLF-terminated, the framing LMS streaming controllers split on. The
// connection ends early when the session is dropped or reaped.
func (m *Manager) serveStreaming(w http.ResponseWriter, r *http.Request, s *Session, replies []Message) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeBatch(w, append(replies, s.drain()...))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(batch []Message) error {
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\r', '\n')); err != nil {
			return err
		}
		fl.Flush()
		return nil
	}
	if write(replies) != nil {
		return
	}

	deadline := time.NewTimer(streamTimeout)
	defer deadline.Stop()
	ping := time.NewTicker(m.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			return
		case <-ping.C:
			s.touch()
			if write([]Message{{Channel: "/meta/ping", Successful: &okTrue}}) != nil {
				return
			}
			continue
		case <-s.wake:
		case <-time.After(m.streamWait):
		}
		s.touch()
		if !m.registered(s.ID) {
			return
		}

		batch := s.drain()
		if len(batch) == 0 {
			continue
		}
		if write(batch) != nil {
			return
		}
	}
}

func writeBatch(w http.ResponseWriter, msgs []Message) {
	w.Header().Set("Content-Type", "application/json")
	if msgs == nil {
		msgs = []Message{}
	}
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		slog.Debug("cometd: write failed", "err", err)
	}
}

// responseChannel extracts the channel slim results are delivered on,
// defaulting to a client-scoped path when the request names none.
func responseChannel(msg *incoming) string {
	if ch, ok := msg.Data["response"].(string); ok && ch != "" {
		return ch
	}
	return fmt.Sprintf("/%s/slim/request", msg.ClientID)
}

// handleSlim executes the embedded slim.request and queues its result on
// the response channel. With subscribe set, the request is also re-executed
// and re-delivered whenever the target player's status changes.
func (m *Manager) handleSlim(msg *incoming, subscribe bool) Message {
	replyChannel := "/slim/request"
	if subscribe {
		replyChannel = "/slim/subscribe"
	}
	fail := func(reason string) Message {
		return Message{
			Channel: replyChannel, ClientID: msg.ClientID, ID: msg.ID,
			Successful: &okFalse, Error: reason,
		}
	}

	req, ok := msg.Data["request"].([]any)
	if !ok || len(req) < 2 {
		return fail("malformed request")
	}
	playerID, _ := req[0].(string)
	cmd, ok := req[1].([]any)
	if !ok {
		return fail("malformed command")
	}

	respCh := responseChannel(msg)
	s := m.Session(msg.ClientID)
	s.touch()

	result, err := m.dispatch(playerID, cmd)
	if err != nil {
		slog.Debug("cometd: slim request failed", "client", msg.ClientID, "cmd", cmd, "err", err)
		result = map[string]any{"error": err.Error()}
	}
	s.deliver(Message{Channel: respCh, ID: msg.ID, Data: result}, true)

	if subscribe {
		m.addSlimSub(respCh, slimSub{clientID: msg.ClientID, playerID: playerID, cmd: cmd, id: msg.ID})
	}
	return Message{Channel: replyChannel, ClientID: msg.ClientID, ID: msg.ID, Successful: &okTrue}
}

// Run bridges bus events onto Bayeux channels and reaps idle sessions until
// the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ch := m.bus.Subscribe("cometd-bridge", "*")
	defer m.bus.Unsubscribe("cometd-bridge")

	reap := time.NewTicker(time.Minute)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-reap.C:
			m.reap(now)
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.bridge(ev)
		}
	}
}

func (m *Manager) bridge(ev events.Event) {
	switch ev.Channel {
	case events.PlayerStatus:
		data, ok := ev.Data.(events.PlayerStatusData)
		if !ok {
			return
		}
		m.Broadcast(Message{Channel: "/" + data.MAC + "/status", Data: data.Status})
		m.refreshSlimSubs(data.MAC)
	case events.PlayerConnected, events.PlayerDisconnected:
		data, ok := ev.Data.(events.PlayerEventData)
		if !ok {
			return
		}
		m.Broadcast(Message{Channel: "/players", Data: map[string]any{
			"playerid": data.MAC,
			"event":    ev.Channel,
			"info":     data.Info,
		}})
		m.refreshSlimSubs(data.MAC)
	case events.ScanStarted, events.ScanProgress, events.ScanComplete:
		m.Broadcast(Message{Channel: "/scan", Data: ev.Data})
	}
}
