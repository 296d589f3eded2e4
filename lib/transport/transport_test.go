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

package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/openuaip/hub/lib/model"
)

var upgrader = websocket.Upgrader{}

func dialPair(t *testing.T, serve func(conn *websocket.Conn)) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serve(ws)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	return ws
}

func TestOpenAcceptHandshakeAssignsSessionID(t *testing.T) {
	t.Parallel()

	serverDone := make(chan string, 1)
	clientConn := dialPair(t, func(conn *websocket.Conn) {
		session, sessionID, err := Accept(Config{Conn: conn}, func(bearerToken string) (string, error) {
			if bearerToken != "bearer-token" {
				return "", trace.BadParameter("unexpected bearer token")
			}
			return "sess-123", nil
		})
		require.NoError(t, err)
		serverDone <- sessionID
		session.Close()
	})
	defer clientConn.Close()

	session, sessionID, err := Open(Config{Conn: clientConn}, "bearer-token")
	require.NoError(t, err)
	require.Equal(t, "sess-123", sessionID)
	defer session.Close()

	require.Equal(t, "sess-123", <-serverDone)
}

func TestOpenRejectsBadBearerToken(t *testing.T) {
	t.Parallel()

	clientConn := dialPair(t, func(conn *websocket.Conn) {
		_, _, err := Accept(Config{Conn: conn}, func(bearerToken string) (string, error) {
			return "", trace.AccessDenied("bad token")
		})
		require.Error(t, err)
	})
	defer clientConn.Close()

	_, _, err := Open(Config{Conn: clientConn}, "bad-token")
	require.Error(t, err)
}

func TestSendEnvelopeAndAckRoundTrip(t *testing.T) {
	t.Parallel()

	envelope := &model.Envelope{
		Header: model.Header{
			EnvelopeID: "env-1",
			CreatedAt:  time.Now(),
			TTL:        time.Minute,
			Sender:     model.PrincipalRef{ID: "a", Kind: model.PrincipalAgent},
			Recipient:  model.PrincipalRef{ID: "b", Kind: model.PrincipalAgent},
		},
		Action: model.ActionNotify,
		QoS:    model.QoSAtLeastOnce,
	}

	ackReceived := make(chan string, 1)
	clientConn := dialPair(t, func(conn *websocket.Conn) {
		session, _, err := Accept(Config{Conn: conn}, func(string) (string, error) { return "sess-1", nil })
		require.NoError(t, err)
		defer session.Close()

		require.NoError(t, session.SendEnvelope(envelope))

		frame, err := session.Recv()
		require.NoError(t, err)
		require.Equal(t, FrameAck, frame.Type)
		ackReceived <- frame.EnvelopeID
	})
	defer clientConn.Close()

	session, _, err := Open(Config{Conn: clientConn}, "tok")
	require.NoError(t, err)
	defer session.Close()

	frame, err := session.Recv()
	require.NoError(t, err)
	require.Equal(t, FrameEnvelope, frame.Type)
	require.Equal(t, "env-1", frame.Envelope.Header.EnvelopeID)

	require.NoError(t, session.SendAck(frame.Envelope.Header.EnvelopeID))
	require.Equal(t, "env-1", <-ackReceived)
}

func TestHeartbeatTimeoutClosesSession(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	serverClosed := make(chan struct{})

	clientConn := dialPair(t, func(conn *websocket.Conn) {
		session, _, err := Accept(Config{Conn: conn, Clock: clock, HeartbeatInterval: time.Millisecond}, func(string) (string, error) {
			return "sess-1", nil
		})
		require.NoError(t, err)
		go func() {
			<-session.Done()
			close(serverClosed)
		}()
	})
	defer clientConn.Close()

	session, _, err := Open(Config{Conn: clientConn}, "tok")
	require.NoError(t, err)
	defer session.Close()

	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)

	select {
	case <-serverClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed after heartbeat timeout")
	}
}
