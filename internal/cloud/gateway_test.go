package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type startSessionReq struct {
	UID string `json:"uid"`
}

type startSessionRsp struct {
	Result string `json:"result"`
}

var testUpgrader = websocket.Upgrader{}

// newEchoServer answers every request envelope with a canned response
// envelope, optionally delaying or substituting the reply via hooks.
func newEchoServer(t *testing.T, handle func(env envelope, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			handle(env, conn)
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSendResolvesOnMatchingCorrelationID(t *testing.T) {
	srv := newEchoServer(t, func(env envelope, conn *websocket.Conn) {
		rsp, _ := json.Marshal(startSessionRsp{Result: "ok"})
		reply, _ := json.Marshal(envelope{ID: env.ID, Kind: "response", Payload: rsp})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g, err := Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	future, err := Send[startSessionRsp](g, startSessionReq{UID: "aabbcc"}, EndpointStartSession, time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-future.Done()
	state, rsp, ferr := future.Poll()
	if state != Resolved {
		t.Fatalf("expected Resolved, got state=%v err=%v", state, ferr)
	}
	if rsp.Result != "ok" {
		t.Fatalf("unexpected response: %+v", rsp)
	}
}

func TestSendTimesOutWhenServerNeverReplies(t *testing.T) {
	srv := newEchoServer(t, func(env envelope, conn *websocket.Conn) {
		// never reply
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g, err := Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	future, err := Send[startSessionRsp](g, startSessionReq{UID: "aabbcc"}, EndpointStartSession, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-future.Done()
	state, _, ferr := future.Poll()
	if state != Failed || ferr.Kind != ErrTimeout {
		t.Fatalf("expected Failed(Timeout), got state=%v err=%v", state, ferr)
	}
}

func TestSendReceivesServerError(t *testing.T) {
	srv := newEchoServer(t, func(env envelope, conn *websocket.Conn) {
		reply, _ := json.Marshal(envelope{ID: env.ID, Kind: "error", Code: "rejected", Message: "unknown machine"})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g, err := Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	future, err := Send[startSessionRsp](g, startSessionReq{UID: "aabbcc"}, EndpointStartSession, time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-future.Done()
	state, _, ferr := future.Poll()
	if state != Failed || ferr.Kind != ErrServer || ferr.ServerCode != "rejected" {
		t.Fatalf("expected Failed(Server), got state=%v err=%+v", state, ferr)
	}
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	done := make(chan struct{})
	srv := newEchoServer(t, func(env envelope, conn *websocket.Conn) {
		go func() {
			time.Sleep(150 * time.Millisecond)
			rsp, _ := json.Marshal(startSessionRsp{Result: "late"})
			reply, _ := json.Marshal(envelope{ID: env.ID, Kind: "response", Payload: rsp})
			_ = conn.WriteMessage(websocket.TextMessage, reply)
			close(done)
		}()
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g, err := Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	future, err := Send[startSessionRsp](g, startSessionReq{UID: "aabbcc"}, EndpointStartSession, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-future.Done()
	state, _, ferr := future.Poll()
	if state != Failed || ferr.Kind != ErrTimeout {
		t.Fatalf("expected Failed(Timeout) before late response arrives, got state=%v", state)
	}
	<-done
	// Poll again: the late response must not have clobbered the
	// already-settled Failed(Timeout) future.
	state, _, _ = future.Poll()
	if state != Failed {
		t.Fatalf("late response mutated a settled future: state=%v", state)
	}
}
