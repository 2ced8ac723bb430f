package orchestrator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/barnettlynn/mauthterm/internal/cloud"
	"github.com/barnettlynn/mauthterm/internal/sessions"
)

// delayThenChallengeCard answers the cloud-relay challenge APDU
// (0x71) with AUTHENTICATION_DELAY (SW=0x91AD) for its first few
// calls, then with a real challenge, so tests can exercise the
// orchestrator's retry-on-delay path instead of its failure path.
type delayThenChallengeCard struct {
	fakeCard
	delaysRemaining int
	delayCalls      int
}

func (c *delayThenChallengeCard) Transmit(apdu []byte) ([]byte, error) {
	if len(apdu) >= 2 && apdu[1] == 0x71 && c.delaysRemaining > 0 {
		c.delaysRemaining--
		c.delayCalls++
		return []byte{0x91, 0xAD}, nil
	}
	return c.fakeCard.Transmit(apdu)
}

type wireEnvelope struct {
	ID       interface{}     `json:"id"`
	Endpoint string          `json:"endpoint,omitempty"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// fakeCard answers the two cloud-relay APDUs with fixed byte strings so
// the orchestrator's tag-side calls never touch real hardware.
type fakeCard struct {
	challenge    []byte
	confirmation []byte
}

func (c *fakeCard) Transmit(apdu []byte) ([]byte, error) {
	switch {
	case len(apdu) >= 2 && apdu[1] == 0x71:
		return append(append([]byte{}, c.challenge...), 0x91, 0xAF), nil
	case len(apdu) >= 2 && apdu[1] == 0xAF:
		return append(append([]byte{}, c.confirmation...), 0x91, 0x00), nil
	default:
		return nil, nil
	}
}

func newFakeCard() *fakeCard {
	return &fakeCard{
		challenge:    bytesOfLen(16, 0xAA),
		confirmation: bytesOfLen(32, 0xBB),
	}
}

func bytesOfLen(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

var testUpgrader = websocket.Upgrader{}

func newScriptedServer(t *testing.T, handle func(env wireEnvelope, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env wireEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			handle(env, conn)
		}
	}))
}

func respondOK(id interface{}, payload interface{}) []byte {
	raw, _ := json.Marshal(payload)
	env := wireEnvelope{ID: id, Kind: "response", Payload: raw}
	data, _ := json.Marshal(env)
	return data
}

func TestSessionSucceedsImmediatelyFromCache(t *testing.T) {
	cache := sessions.New()
	uid := [7]byte{1, 2, 3, 4, 5, 6, 7}
	cache.Register(&sessions.TokenSession{SessionID: "cached", UID: uid, Permissions: map[string]struct{}{}})

	s := New(nil, cache, uid, time.Second)
	if !s.Done() || s.Result().Phase != PhaseSucceeded {
		t.Fatalf("expected immediate Succeeded, got phase=%v", s.Result().Phase)
	}
	if s.Result().Session.SessionID != "cached" {
		t.Fatalf("expected cached session, got %+v", s.Result().Session)
	}
}

func TestSessionStartSessionTokenPathSucceeds(t *testing.T) {
	srv := newScriptedServer(t, func(env wireEnvelope, conn *websocket.Conn) {
		if env.Endpoint != cloud.EndpointStartSession {
			t.Errorf("unexpected endpoint %s", env.Endpoint)
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, respondOK(env.ID, map[string]interface{}{
			"status": "token",
			"session": map[string]interface{}{
				"session_id":  "s1",
				"user_id":     "u1",
				"permissions": []string{"op"},
			},
		}))
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	gw, err := cloud.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	uid := [7]byte{1, 2, 3, 4, 5, 6, 7}
	cache := sessions.New()
	s := New(gw, cache, uid, time.Second)

	deadline := time.Now().Add(time.Second)
	for !s.Done() && time.Now().Before(deadline) {
		if err := s.Step(newFakeCard()); err != nil {
			t.Fatalf("Step: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if s.Result().Phase != PhaseSucceeded {
		t.Fatalf("expected Succeeded, got %v (%+v)", s.Result().Phase, s.Result())
	}
	if cache.Get(uid) == nil {
		t.Fatal("expected session registered in cache")
	}
}

func TestSessionAuthRequiredFullRelayPathSucceeds(t *testing.T) {
	srv := newScriptedServer(t, func(env wireEnvelope, conn *websocket.Conn) {
		switch env.Endpoint {
		case cloud.EndpointStartSession:
			_ = conn.WriteMessage(websocket.TextMessage, respondOK(env.ID, map[string]interface{}{
				"status": "auth_required",
			}))
		case cloud.EndpointAuthenticateNewSession:
			_ = conn.WriteMessage(websocket.TextMessage, respondOK(env.ID, map[string]interface{}{
				"session_id":      "s1",
				"cloud_challenge": hex.EncodeToString(bytesOfLen(32, 0xCC)),
			}))
		case cloud.EndpointCompleteAuthentication:
			_ = conn.WriteMessage(websocket.TextMessage, respondOK(env.ID, map[string]interface{}{
				"status": "token",
				"session": map[string]interface{}{
					"session_id":  "s1",
					"permissions": []string{"op"},
				},
			}))
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	gw, err := cloud.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	uid := [7]byte{1, 2, 3, 4, 5, 6, 7}
	cache := sessions.New()
	s := New(gw, cache, uid, time.Second)
	card := newFakeCard()

	deadline := time.Now().Add(time.Second)
	for !s.Done() && time.Now().Before(deadline) {
		if err := s.Step(card); err != nil {
			t.Fatalf("Step: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if s.Result().Phase != PhaseSucceeded {
		t.Fatalf("expected Succeeded, got %v (%+v)", s.Result().Phase, s.Result())
	}
}

// TestSessionRetriesOnAuthenticationDelay covers spec.md §4.2/§4.4: a
// BeginCloudAuth call that comes back AUTHENTICATION_DELAY must leave
// the orchestrator pending in AwaitStart and retry on the next Step,
// not fail the attempt.
func TestSessionRetriesOnAuthenticationDelay(t *testing.T) {
	srv := newScriptedServer(t, func(env wireEnvelope, conn *websocket.Conn) {
		switch env.Endpoint {
		case cloud.EndpointStartSession:
			_ = conn.WriteMessage(websocket.TextMessage, respondOK(env.ID, map[string]interface{}{
				"status": "auth_required",
			}))
		case cloud.EndpointAuthenticateNewSession:
			_ = conn.WriteMessage(websocket.TextMessage, respondOK(env.ID, map[string]interface{}{
				"session_id":      "s1",
				"cloud_challenge": hex.EncodeToString(bytesOfLen(32, 0xCC)),
			}))
		case cloud.EndpointCompleteAuthentication:
			_ = conn.WriteMessage(websocket.TextMessage, respondOK(env.ID, map[string]interface{}{
				"status": "token",
				"session": map[string]interface{}{
					"session_id":  "s1",
					"permissions": []string{"op"},
				},
			}))
		}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	gw, err := cloud.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	uid := [7]byte{1, 2, 3, 4, 5, 6, 7}
	s := New(gw, sessions.New(), uid, time.Second)
	card := &delayThenChallengeCard{fakeCard: *newFakeCard(), delaysRemaining: 2}

	deadline := time.Now().Add(time.Second)
	for !s.Done() && time.Now().Before(deadline) {
		if err := s.Step(card); err != nil {
			t.Fatalf("Step: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if s.Result().Phase != PhaseSucceeded {
		t.Fatalf("expected Succeeded after delay retries, got %v (%+v)", s.Result().Phase, s.Result())
	}
	if card.delayCalls != 2 {
		t.Fatalf("expected exactly 2 AUTHENTICATION_DELAY responses to be retried, got %d", card.delayCalls)
	}
}

func TestSessionRejectedPath(t *testing.T) {
	srv := newScriptedServer(t, func(env wireEnvelope, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, respondOK(env.ID, map[string]interface{}{
			"status":  "rejected",
			"message": "tag revoked",
		}))
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	gw, err := cloud.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	uid := [7]byte{1, 2, 3, 4, 5, 6, 7}
	s := New(gw, sessions.New(), uid, time.Second)

	deadline := time.Now().Add(time.Second)
	for !s.Done() && time.Now().Before(deadline) {
		if err := s.Step(newFakeCard()); err != nil {
			t.Fatalf("Step: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if s.Result().Phase != PhaseRejected || s.Result().Message != "tag revoked" {
		t.Fatalf("expected Rejected(tag revoked), got %+v", s.Result())
	}
}

func TestSessionAbortSkipsFurtherSteps(t *testing.T) {
	uid := [7]byte{1, 2, 3, 4, 5, 6, 7}
	s := New(nil, sessions.New(), uid, time.Second)
	s.Abort()
	if err := s.Step(newFakeCard()); err != nil {
		t.Fatalf("Step after abort should be a no-op, got %v", err)
	}
	if s.Done() {
		t.Fatal("an aborted, never-started session should not report Done on its own")
	}
}
