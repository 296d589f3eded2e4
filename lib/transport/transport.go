/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport implements the session transport: a framed,
// bidirectional channel over a websocket connection. A client opens a
// session by sending an open frame carrying bearer credentials; the
// server replies with an opened frame carrying the session-id.
// Subsequent frames carry envelopes, acks, and heartbeats (spec §6
// "Session transport").
package transport

import (
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/openuaip/hub/lib/model"
)

var log = logrus.WithFields(logrus.Fields{"component": "transport"})

// FrameType identifies the payload carried by a Frame.
type FrameType string

const (
	FrameOpen      FrameType = "open"
	FrameOpened    FrameType = "opened"
	FrameEnvelope  FrameType = "envelope"
	FrameAck       FrameType = "ack"
	FrameHeartbeat FrameType = "heartbeat"
	FrameClose     FrameType = "close"
)

// DefaultHeartbeatInterval is the spec default for client heartbeats.
const DefaultHeartbeatInterval = 30 * time.Second

// Frame is the single wire envelope for everything carried over a
// session transport connection.
type Frame struct {
	Type FrameType `json:"type"`

	// Open
	BearerToken string `json:"bearer_token,omitempty"`

	// Opened
	SessionID string `json:"session_id,omitempty"`

	// Envelope
	Envelope *model.Envelope `json:"envelope,omitempty"`

	// Ack
	EnvelopeID string `json:"envelope_id,omitempty"`
}

// Config configures a Session's heartbeat monitoring.
type Config struct {
	Conn *websocket.Conn

	// HeartbeatInterval is how often the remote end is expected to send
	// a heartbeat frame.
	HeartbeatInterval time.Duration

	Clock clockwork.Clock
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("transport: Conn is required")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Session is one end of a framed session transport connection. A
// session whose heartbeat goes silent for 2x the heartbeat interval is
// closed server-side (spec §6).
type Session struct {
	cfg Config

	in        chan Frame
	currentIn []byte

	writeSync sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	closed    int32

	lastHeartbeat atomic.Value // time.Time
}

// Open performs the client side of the open/opened handshake: send an
// open frame with the bearer token, then wait for the server's opened
// frame and return the assigned session-id.
func Open(cfg Config, bearerToken string) (*Session, string, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, "", trace.Wrap(err)
	}

	if err := writeFrame(cfg.Conn, Frame{Type: FrameOpen, BearerToken: bearerToken}); err != nil {
		return nil, "", trace.Wrap(err)
	}

	frame, err := readFrame(cfg.Conn)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if frame.Type != FrameOpened {
		return nil, "", trace.BadParameter("expected opened frame, got %q", frame.Type)
	}

	s := newSession(cfg)
	return s, frame.SessionID, nil
}

// Accept performs the server side of the open/opened handshake:
// read the client's open frame, hand its bearer token to authenticate,
// then reply with the assigned session-id.
func Accept(cfg Config, authenticate func(bearerToken string) (sessionID string, err error)) (*Session, string, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, "", trace.Wrap(err)
	}

	frame, err := readFrame(cfg.Conn)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if frame.Type != FrameOpen {
		return nil, "", trace.BadParameter("expected open frame, got %q", frame.Type)
	}

	sessionID, err := authenticate(frame.BearerToken)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}

	if err := writeFrame(cfg.Conn, Frame{Type: FrameOpened, SessionID: sessionID}); err != nil {
		return nil, "", trace.Wrap(err)
	}

	s := newSession(cfg)
	return s, sessionID, nil
}

func newSession(cfg Config) *Session {
	s := &Session{
		cfg:  cfg,
		in:   make(chan Frame),
		done: make(chan struct{}),
	}
	s.lastHeartbeat.Store(cfg.Clock.Now())
	go s.readLoop()
	go s.monitorHeartbeat()
	return s
}

func writeFrame(conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(conn *websocket.Conn) (Frame, error) {
	ty, data, err := conn.ReadMessage()
	if err != nil {
		return Frame{}, trace.Wrap(err)
	}
	if ty != websocket.TextMessage {
		return Frame{}, trace.BadParameter("expected text frame, got websocket message type %d", ty)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, trace.Wrap(err)
	}
	return frame, nil
}

func (s *Session) readLoop() {
	defer s.closeOnce.Do(func() { close(s.done) })

	for {
		frame, err := readFrame(s.cfg.Conn)
		if err != nil {
			if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.WithError(err).Warn("session transport read failed")
			}
			return
		}

		switch frame.Type {
		case FrameHeartbeat:
			s.lastHeartbeat.Store(s.cfg.Clock.Now())
			select {
			case s.in <- frame:
			case <-s.done:
				return
			}
		case FrameClose:
			atomic.StoreInt32(&s.closed, 1)
			s.cfg.Conn.Close()
			return
		default:
			select {
			case s.in <- frame:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Session) monitorHeartbeat() {
	ticker := s.cfg.Clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	threshold := 2 * s.cfg.HeartbeatInterval
	for {
		select {
		case <-ticker.Chan():
			last := s.lastHeartbeat.Load().(time.Time)
			if s.cfg.Clock.Now().Sub(last) > threshold {
				log.Warn("session transport heartbeat timed out, closing")
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Recv blocks until the next envelope, ack or heartbeat frame arrives,
// or the session closes.
func (s *Session) Recv() (Frame, error) {
	select {
	case frame := <-s.in:
		return frame, nil
	case <-s.done:
		return Frame{}, io.EOF
	}
}

// SendEnvelope writes an envelope frame.
func (s *Session) SendEnvelope(envelope *model.Envelope) error {
	s.writeSync.Lock()
	defer s.writeSync.Unlock()
	return trace.Wrap(writeFrame(s.cfg.Conn, Frame{Type: FrameEnvelope, Envelope: envelope}))
}

// SendAck writes an ack frame for the given envelope-id.
func (s *Session) SendAck(envelopeID string) error {
	s.writeSync.Lock()
	defer s.writeSync.Unlock()
	return trace.Wrap(writeFrame(s.cfg.Conn, Frame{Type: FrameAck, EnvelopeID: envelopeID}))
}

// SendHeartbeat writes a heartbeat frame.
func (s *Session) SendHeartbeat() error {
	s.writeSync.Lock()
	defer s.writeSync.Unlock()
	return trace.Wrap(writeFrame(s.cfg.Conn, Frame{Type: FrameHeartbeat}))
}

// Done returns a channel that closes when the session transport ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close gracefully closes the session transport.
func (s *Session) Close() error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		if err := writeFrame(s.cfg.Conn, Frame{Type: FrameClose}); err != nil {
			log.WithError(err).Warn("failed to send close frame")
		}

		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			s.cfg.Conn.Close()
		}
	}

	return nil
}
