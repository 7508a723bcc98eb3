// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

// Package realtime manages the websocket channel transport to the backend's
// realtime endpoint.
//
// The manager is a resumable transport: the recovery orchestrator cycles it
// (Disconnect then Connect) after a suspected freeze, and subscribed
// channels are re-joined automatically on every successful connect. The
// manager does not create channels on behalf of consumers; it only tracks
// the topics consumers subscribed and replays the joins.
package realtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/lifelinedev/lifeline/internal/config"
	"github.com/lifelinedev/lifeline/internal/logging"
	"github.com/lifelinedev/lifeline/internal/metrics"
)

// Handler receives events delivered on a subscribed channel.
type Handler func(event string, payload json.RawMessage)

// Channel is a subscribed realtime topic.
type Channel struct {
	Topic   string
	handler Handler
}

// message is the phoenix-style wire frame used by the realtime endpoint.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// Manager maintains the websocket connection and the set of subscribed
// channels. Safe for concurrent use.
type Manager struct {
	baseURL string
	anonKey string
	cfg     config.RealtimeConfig

	mu       sync.RWMutex
	conn     *websocket.Conn
	channels map[string]*Channel
	token    string
	refSeq   int

	wg sync.WaitGroup
}

// NewManager creates a realtime manager. It does not connect; call Connect
// or run Serve under a supervisor.
func NewManager(baseURL, realtimePath, anonKey string, cfg config.RealtimeConfig) *Manager {
	return &Manager{
		baseURL:  strings.TrimRight(baseURL, "/") + realtimePath,
		anonKey:  anonKey,
		cfg:      cfg,
		channels: map[string]*Channel{},
	}
}

// SetAuth updates the access token sent with channel joins. The next
// connect (or cycle) uses the new token.
func (m *Manager) SetAuth(accessToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = accessToken
}

// websocketURL builds the ws(s) URL with the API key attached.
func (m *Manager) websocketURL() (string, error) {
	parsed, err := url.Parse(m.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/websocket"
	q := parsed.Query()
	q.Set("apikey", m.anonKey)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// Connect establishes the websocket connection and re-joins all subscribed
// channels. Calling Connect while connected is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return nil
	}

	wsURL, err := m.websocketURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  m.cfg.HandshakeTimeout,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("realtime dial: %w", err)
	}

	m.conn = conn
	metrics.RealtimeConnected.Set(1)
	logging.Info().Int("channels", len(m.channels)).Msg("Realtime connected")

	for _, ch := range m.channels {
		if err := m.joinLocked(ch); err != nil {
			logging.Warn().Err(err).Str("topic", ch.Topic).Msg("Channel re-join failed")
		}
	}
	return nil
}

// Disconnect closes the websocket connection. Subscribed channels are kept
// and re-joined on the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

// closeIfCurrent closes the connection only if it is still the active
// one. Read and heartbeat loops hold a snapshot of the conn they failed
// on; a concurrent reconnect may have replaced it already, and closing
// the replacement would undo that reconnect.
func (m *Manager) closeIfCurrent(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return
	}
	m.closeLocked()
}

// closeLocked closes the connection. Callers hold m.mu.
func (m *Manager) closeLocked() {
	if m.conn == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	if err := m.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		logging.Debug().Err(err).Msg("Realtime close message failed")
	}
	if err := m.conn.Close(); err != nil {
		logging.Debug().Err(err).Msg("Realtime close failed")
	}
	m.conn = nil
	metrics.RealtimeConnected.Set(0)
	logging.Info().Msg("Realtime disconnected")
}

// IsConnected reports whether the websocket is currently established.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil
}

// Channels returns the topics of all subscribed channels.
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topics := make([]string, 0, len(m.channels))
	for topic := range m.channels {
		topics = append(topics, topic)
	}
	return topics
}

// Subscribe registers a channel and joins it if currently connected.
// Subscribing an already-subscribed topic replaces its handler.
func (m *Manager) Subscribe(topic string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := &Channel{Topic: topic, handler: handler}
	m.channels[topic] = ch
	if m.conn != nil {
		if err := m.joinLocked(ch); err != nil {
			logging.Warn().Err(err).Str("topic", topic).Msg("Channel join failed")
		}
	}
}

// Unsubscribe removes a channel subscription.
func (m *Manager) Unsubscribe(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, topic)
	if m.conn == nil {
		return
	}
	m.refSeq++
	leave := message{Topic: topic, Event: "phx_leave", Payload: json.RawMessage(`{}`), Ref: fmt.Sprint(m.refSeq)}
	if err := m.writeLocked(leave); err != nil {
		logging.Debug().Err(err).Str("topic", topic).Msg("Channel leave failed")
	}
}

// joinLocked sends a join frame for a channel. Callers hold m.mu with an
// established connection.
func (m *Manager) joinLocked(ch *Channel) error {
	m.refSeq++
	payload, err := json.Marshal(map[string]string{"access_token": m.token})
	if err != nil {
		return fmt.Errorf("encode join payload: %w", err)
	}
	join := message{Topic: ch.Topic, Event: "phx_join", Payload: payload, Ref: fmt.Sprint(m.refSeq)}
	return m.writeLocked(join)
}

// writeLocked writes a frame. Callers hold m.mu.
func (m *Manager) writeLocked(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := m.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// Serve runs the connection maintenance loop until the context is
// canceled: connect, read frames, reconnect with exponential backoff on
// failure, and send heartbeats. It implements suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	reconnectDelay := m.cfg.ReconnectMin

	m.wg.Add(1)
	go m.heartbeatLoop(ctx)
	defer m.wg.Wait()
	defer m.Disconnect()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.mu.RLock()
		conn := m.conn
		m.mu.RUnlock()

		if conn == nil {
			metrics.RealtimeReconnects.Inc()
			if err := m.Connect(ctx); err != nil {
				logging.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("Realtime connect failed")
				select {
				case <-time.After(reconnectDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
				reconnectDelay *= 2
				if reconnectDelay > m.cfg.ReconnectMax {
					reconnectDelay = m.cfg.ReconnectMax
				}
				continue
			}
			reconnectDelay = m.cfg.ReconnectMin
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(2 * m.cfg.HeartbeatInterval)); err != nil {
			logging.Debug().Err(err).Msg("Realtime read deadline failed")
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Info().Msg("Realtime closed by server")
			} else {
				logging.Warn().Err(err).Msg("Realtime read error")
			}
			m.closeIfCurrent(conn)
			continue
		}

		m.dispatch(data)
	}
}

// heartbeatLoop sends phoenix heartbeat frames so the server keeps the
// connection alive.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.conn == nil {
				m.mu.Unlock()
				continue
			}
			conn := m.conn
			m.refSeq++
			hb := message{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: fmt.Sprint(m.refSeq)}
			err := m.writeLocked(hb)
			m.mu.Unlock()
			if err != nil {
				logging.Warn().Err(err).Msg("Realtime heartbeat failed")
				m.closeIfCurrent(conn)
			}
		}
	}
}

// dispatch routes an incoming frame to the subscribed channel's handler.
func (m *Manager) dispatch(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Debug().Err(err).Msg("Realtime frame unreadable")
		return
	}
	if msg.Topic == "phoenix" || strings.HasPrefix(msg.Event, "phx_") {
		return
	}

	m.mu.RLock()
	ch := m.channels[msg.Topic]
	m.mu.RUnlock()

	if ch == nil || ch.handler == nil {
		return
	}
	ch.handler(msg.Event, msg.Payload)
}
