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

package main

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/openuaip/hub/lib/auth"
	"github.com/openuaip/hub/lib/config"
	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/observability/metrics"
	"github.com/openuaip/hub/lib/router"
	"github.com/openuaip/hub/lib/session"
	"github.com/openuaip/hub/lib/transport"
)

// websocketServer runs the session transport protocol over an
// already-upgraded connection, authenticates the opening bearer token
// through the Auth Gate, and pumps envelopes between the transport
// session and the Router for the lifetime of the connection. Accepting
// the HTTP request and performing the protocol upgrade itself is left
// to an out-of-scope ingress server (spec §1).
type websocketServer struct {
	cfg         *config.Config
	gate        *auth.Gate
	sessions    *session.Manager
	router      *router.Router
	routerStats *metrics.RouterMetrics
	authStats   *metrics.AuthMetrics
}

func newWebsocketServer(cfg *config.Config, gate *auth.Gate, sessions *session.Manager, rtr *router.Router, routerStats *metrics.RouterMetrics, authStats *metrics.AuthMetrics) *websocketServer {
	return &websocketServer{cfg: cfg, gate: gate, sessions: sessions, router: rtr, routerStats: routerStats, authStats: authStats}
}

func (s *websocketServer) handleConnection(ctx context.Context, conn *websocket.Conn, sourceAddr string) error {
	var authCtx *auth.AuthContext
	sess, sessionID, err := transport.Accept(transport.Config{
		Conn:              conn,
		HeartbeatInterval: s.cfg.Transport.HeartbeatInterval,
	}, func(bearerToken string) (string, error) {
		ac, err := s.gate.AuthenticateToken(ctx, bearerToken, sourceAddr)
		if err != nil {
			s.authStats.Attempts.WithLabelValues("rejected").Inc()
			return "", err
		}
		s.authStats.Attempts.WithLabelValues("accepted").Inc()
		authCtx = ac

		principalRef := model.PrincipalRef{ID: ac.Principal.ID, Kind: ac.Principal.Kind}
		record, err := s.sessions.Open(ctx, principalRef)
		if err != nil {
			return "", err
		}
		return record.ID, nil
	})
	if err != nil {
		conn.Close()
		return trace.Wrap(err, "session open handshake failed")
	}
	defer sess.Close()

	outbox, ok := s.sessions.Outbox(sessionID)
	if !ok {
		return trace.NotFound("opened session %q has no outbox", sessionID)
	}

	go s.pumpOutbox(ctx, sess, outbox)
	s.pumpInbound(ctx, sess, sessionID, *authCtx)

	return s.sessions.Close(context.Background(), sessionID)
}

// pumpOutbox forwards everything the Session Manager queues for this
// session onto the wire until the session closes.
func (s *websocketServer) pumpOutbox(ctx context.Context, sess *transport.Session, outbox <-chan *model.Envelope) {
	for {
		select {
		case envelope, ok := <-outbox:
			if !ok {
				return
			}
			if err := sess.SendEnvelope(envelope); err != nil {
				log.WithError(err).Debug("failed to forward envelope to session")
				return
			}
		case <-sess.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// pumpInbound reads envelope/heartbeat frames from the wire, folds
// heartbeats into the Session Manager, and hands envelopes to the Router
// for routing. An accepted envelope is acknowledged synchronously with an
// ack frame (spec §4.7 step 5); a rejected envelope gets no frame back
// and is only counted in the Rejected metric.
func (s *websocketServer) pumpInbound(ctx context.Context, sess *transport.Session, sessionID string, authCtx auth.AuthContext) {
	routerAuthCtx := router.AuthContext{
		Principal:  model.PrincipalRef{ID: authCtx.Principal.ID, Kind: authCtx.Principal.Kind},
		Permission: authCtx.Permission,
	}

	for {
		frame, err := sess.Recv()
		if err != nil {
			return
		}

		switch frame.Type {
		case transport.FrameHeartbeat:
			if err := s.sessions.Heartbeat(ctx, sessionID); err != nil {
				log.WithError(err).Debug("heartbeat fold failed")
			}
			continue
		case transport.FrameEnvelope:
			if frame.Envelope == nil {
				continue
			}
			decision := s.router.Route(ctx, frame.Envelope, routerAuthCtx)
			if decision.Accepted {
				s.routerStats.Accepted.WithLabelValues(frame.Envelope.Header.Priority.String(), frame.Envelope.QoS.String()).Inc()
				if err := sess.SendAck(decision.EnvelopeID); err != nil {
					return
				}
			} else {
				s.routerStats.Rejected.WithLabelValues(string(decision.Kind)).Inc()
			}
		}
	}
}
