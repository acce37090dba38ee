package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranyadesk/pkg/agent"
	"github.com/harun/ranyadesk/pkg/bridge"
	"github.com/harun/ranyadesk/pkg/conversation"
	"github.com/harun/ranyadesk/pkg/session"
)

const testSecret = "desk-secret"

type fakeCommands struct {
	mu       sync.Mutex
	payloads []interface{}
	replyErr error
	lastMsg  conversation.Message
	lastCfg  agent.SessionConfig
}

func (f *fakeCommands) CreateSession(ctx context.Context, workingDir, name string, sessionType session.SessionType) (*session.Session, error) {
	if !sessionType.Valid() {
		return nil, fmt.Errorf("invalid session type: %s", sessionType)
	}
	return &session.Session{ID: "20261015_1", WorkingDir: workingDir, Name: name, SessionType: sessionType}, nil
}

func (f *fakeCommands) AgentReply(ctx context.Context, msg conversation.Message, cfg agent.SessionConfig, sink bridge.Sink) error {
	f.mu.Lock()
	f.lastMsg, f.lastCfg = msg, cfg
	payloads, replyErr := f.payloads, f.replyErr
	f.mu.Unlock()

	for _, p := range payloads {
		if err := sink.Emit(bridge.ChannelAgentEvent, p); err != nil {
			return &bridge.SinkError{Channel: bridge.ChannelAgentEvent, Err: err}
		}
	}
	if replyErr != nil {
		if err := sink.Emit(bridge.ChannelAgentError, replyErr.Error()); err != nil {
			return &bridge.SinkError{Channel: bridge.ChannelAgentError, Err: err}
		}
		return &bridge.StreamError{Err: replyErr}
	}
	return nil
}

func messagePayload(text string) bridge.MessagePayload {
	return bridge.MessagePayload{Type: bridge.TypeMessage, Message: conversation.NewAssistantMessage(conversation.TextContent(text))}
}

func newTestServer(t *testing.T, commands Commands, tweak func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{
		SharedSecret: testSecret,
		Commands:     commands,
		Version:      "1.2.3",
		TickInterval: -1,
		Logger:       zerolog.Nop(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func dial(t *testing.T, ts *httptest.Server, secret string) (*testClient, AuthResult) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: Sign(secret, challenge.Challenge)}))
	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	return &testClient{t: t, conn: conn}, result
}

// call sends a request and returns the events received before its response
func (c *testClient) call(method string, params map[string]interface{}) ([]EventMessage, RPCResponse) {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("req-%d", c.seq)
	require.NoError(c.t, c.conn.WriteJSON(RPCRequest{ID: id, Method: method, Params: params, JSONRPC: "2.0"}))

	var events []EventMessage
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)

		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(c.t, json.Unmarshal(data, &probe))
		if probe.Type == "event" {
			var event EventMessage
			require.NoError(c.t, json.Unmarshal(data, &event))
			events = append(events, event)
			continue
		}

		var resp RPCResponse
		require.NoError(c.t, json.Unmarshal(data, &resp))
		require.Equal(c.t, id, resp.ID)
		return events, resp
	}
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Commands: &fakeCommands{}})
	assert.Error(t, err)
	_, err = NewServer(Config{SharedSecret: "s"})
	assert.Error(t, err)
	_, err = NewServer(Config{SharedSecret: "s", Commands: &fakeCommands{}, MinClientVersion: "not-a-version"})
	assert.Error(t, err)
}

func TestServer_Authentication(t *testing.T) {
	_, ts := newTestServer(t, &fakeCommands{}, nil)

	t.Run("should reject a wrong signature", func(t *testing.T) {
		_, result := dial(t, ts, "wrong")
		assert.False(t, result.Success)
		assert.Equal(t, "auth.failure", result.Event)
	})

	t.Run("should refuse requests before authentication", func(t *testing.T) {
		client, _ := dial(t, ts, "wrong")
		_, resp := func() ([]EventMessage, RPCResponse) {
			require.NoError(t, client.conn.WriteJSON(RPCRequest{ID: "x", Method: MethodGreet}))
			var resp RPCResponse
			require.NoError(t, client.conn.ReadJSON(&resp))
			return nil, resp
		}()
		require.NotNil(t, resp.Error)
		assert.Equal(t, AuthenticationRequired, resp.Error.Code)
	})

	t.Run("should accept the shared secret", func(t *testing.T) {
		_, result := dial(t, ts, testSecret)
		assert.True(t, result.Success)
	})
}

func TestServer_Methods(t *testing.T) {
	commands := &fakeCommands{}
	_, ts := newTestServer(t, commands, func(c *Config) { c.MinClientVersion = "1.0.0" })
	client, result := dial(t, ts, testSecret)
	require.True(t, result.Success)

	t.Run("should greet", func(t *testing.T) {
		_, resp := client.call(MethodGreet, map[string]interface{}{"name": "Ada"})
		require.Nil(t, resp.Error)
		assert.Equal(t, "Hello, Ada! You've been greeted from Go!", resp.Result)
	})

	t.Run("should check the client version", func(t *testing.T) {
		_, resp := client.call(MethodHello, map[string]interface{}{"client": "desktop", "version": "1.4.0"})
		require.Nil(t, resp.Error)
		assert.Equal(t, map[string]interface{}{"server": "ranyadesk", "version": "1.2.3", "protocol": float64(ProtocolVersion)}, resp.Result)

		_, resp = client.call(MethodHello, map[string]interface{}{"client": "desktop", "version": "0.9.0"})
		require.NotNil(t, resp.Error)
		assert.Contains(t, resp.Error.Message, "older than the minimum supported 1.0.0")
	})

	t.Run("should create sessions", func(t *testing.T) {
		_, resp := client.call(MethodCreateSession, map[string]interface{}{
			"working_dir": "/home/u/project", "name": "demo", "session_type": "user",
		})
		require.Nil(t, resp.Error)
		created := resp.Result.(map[string]interface{})
		assert.Equal(t, "/home/u/project", created["working_dir"])
		assert.Equal(t, "demo", created["name"])
		assert.Equal(t, "user", created["session_type"])
	})

	t.Run("should pass session errors through verbatim", func(t *testing.T) {
		_, resp := client.call(MethodCreateSession, map[string]interface{}{
			"working_dir": "/tmp", "name": "demo", "session_type": "interactive",
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Equal(t, "invalid session type: interactive", resp.Error.Message)
	})

	t.Run("should report status", func(t *testing.T) {
		_, resp := client.call(MethodStatus, nil)
		require.Nil(t, resp.Error)
		assert.Equal(t, float64(1), resp.Result.(map[string]interface{})["clients"])
	})
}

func TestServer_AgentReply(t *testing.T) {
	t.Run("should deliver events before the response", func(t *testing.T) {
		commands := &fakeCommands{payloads: []interface{}{messagePayload("one"), messagePayload("two")}}
		_, ts := newTestServer(t, commands, nil)
		client, _ := dial(t, ts, testSecret)

		events, resp := client.call(MethodAgentReply, map[string]interface{}{
			"user_message":   "Summarize this file",
			"session_config": map[string]interface{}{"id": "20261015_1"},
		})

		require.Nil(t, resp.Error)
		assert.Nil(t, resp.Result)
		require.Len(t, events, 2)
		for _, e := range events {
			assert.Equal(t, bridge.ChannelAgentEvent, e.Event)
			assert.Equal(t, "req-1", e.RequestID)
			assert.Equal(t, "message", e.Data.(map[string]interface{})["type"])
		}
		assert.Less(t, events[0].Seq, events[1].Seq)
		assert.Equal(t, "Summarize this file", commands.lastMsg.Text())
		assert.Equal(t, "20261015_1", commands.lastCfg.ID)
	})

	t.Run("should deliver one error event then fail", func(t *testing.T) {
		commands := &fakeCommands{payloads: []interface{}{messagePayload("one")}, replyErr: errors.New("provider exploded")}
		_, ts := newTestServer(t, commands, nil)
		client, _ := dial(t, ts, testSecret)

		events, resp := client.call(MethodAgentReply, map[string]interface{}{
			"user_message": map[string]interface{}{"content": []interface{}{map[string]interface{}{"type": "text", "text": "hi"}}},
		})

		require.Len(t, events, 2)
		assert.Equal(t, bridge.ChannelAgentEvent, events[0].Event)
		assert.Equal(t, bridge.ChannelAgentError, events[1].Event)
		assert.Equal(t, "provider exploded", events[1].Data)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "provider exploded", resp.Error.Message)
	})

	t.Run("should reject a missing message", func(t *testing.T) {
		_, ts := newTestServer(t, &fakeCommands{}, nil)
		client, _ := dial(t, ts, testSecret)

		_, resp := client.call(MethodAgentReply, map[string]interface{}{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, "user message is required", resp.Error.Message)
	})
}

func postJSON(t *testing.T, url, secret, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, secret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServer_HTTPRPC(t *testing.T) {
	_, ts := newTestServer(t, &fakeCommands{}, nil)

	resp := postJSON(t, ts.URL+"/rpc", "wrong", `{"id":"1","method":"greet","params":{"name":"Ada"}}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/rpc", testSecret, `{"id":"1","method":"greet","params":{"name":"Ada"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rpcResp RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	assert.Equal(t, "Hello, Ada! You've been greeted from Go!", rpcResp.Result)

	resp = postJSON(t, ts.URL+"/rpc", testSecret, `{"id":"2","method":"agent_reply","params":{"user_message":"hi"}}`)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.NotNil(t, rpcResp.Error)
	assert.Contains(t, rpcResp.Error.Message, "POST /reply")

	resp = postJSON(t, ts.URL+"/rpc", testSecret, `{nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	return events
}

func TestServer_ReplySSE(t *testing.T) {
	t.Run("should stream events then complete", func(t *testing.T) {
		commands := &fakeCommands{payloads: []interface{}{messagePayload("one")}}
		_, ts := newTestServer(t, commands, nil)

		resp := postJSON(t, ts.URL+"/reply", testSecret, `{"user_message":"hi","session_config":{"id":"s1"}}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		events := readSSE(t, resp)
		require.Len(t, events, 2)
		assert.Equal(t, "agent-event", events[0].name)
		assert.Contains(t, events[0].data, `"type":"message"`)
		assert.Equal(t, "complete", events[1].name)
	})

	t.Run("should stream the error then fail", func(t *testing.T) {
		commands := &fakeCommands{replyErr: errors.New("boom")}
		_, ts := newTestServer(t, commands, nil)

		events := readSSE(t, postJSON(t, ts.URL+"/reply", testSecret, `{"user_message":"hi"}`))
		require.Len(t, events, 2)
		assert.Equal(t, sseEvent{name: "agent-error", data: `"boom"`}, events[0])
		assert.Equal(t, sseEvent{name: "failed", data: `{"message":"boom"}`}, events[1])
	})

	t.Run("should reject bad requests", func(t *testing.T) {
		_, ts := newTestServer(t, &fakeCommands{}, nil)
		assert.Equal(t, http.StatusUnauthorized, postJSON(t, ts.URL+"/reply", "", `{}`).StatusCode)
		assert.Equal(t, http.StatusBadRequest, postJSON(t, ts.URL+"/reply", testSecret, `{}`).StatusCode)
	})
}

func TestServer_Healthz(t *testing.T) {
	_, ts := newTestServer(t, &fakeCommands{}, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RunAndStop(t *testing.T) {
	s, err := NewServer(Config{
		Addr:         "127.0.0.1:0",
		SharedSecret: testSecret,
		Commands:     &fakeCommands{},
		TickInterval: -1,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + s.Addr() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
