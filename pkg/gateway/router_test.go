package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_Register(t *testing.T) {
	router := NewRPCRouter()
	noop := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }

	require.NoError(t, router.RegisterMethod("b", noop))
	require.NoError(t, router.RegisterMethod("a", noop))
	assert.Error(t, router.RegisterMethod("c", nil))
	assert.Error(t, router.RegisterMethod("", noop))

	assert.Equal(t, []string{"a", "b"}, router.Methods())
	router.UnregisterMethod("a")
	router.UnregisterMethod("missing")
	assert.False(t, router.HasMethod("a"))
	assert.True(t, router.HasMethod("b"))
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse a request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"greet","params":{"name":"Ada"}}`))
		require.NoError(t, err)
		assert.Equal(t, "greet", req.Method)
		assert.Equal(t, "Ada", req.Params["name"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	for name, tc := range map[string]struct {
		data string
		code int
	}{
		"malformed":      {`{nope}`, ParseError},
		"missing id":     {`{"method":"greet"}`, InvalidRequest},
		"missing method": {`{"id":"1"}`, InvalidRequest},
	} {
		t.Run("should reject "+name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tc.data))
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tc.code, rpcErr.Code)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()
	calls := 0
	require.NoError(t, router.RegisterMethod("count", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	}))
	require.NoError(t, router.RegisterMethod("fail", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("invalid session type: bogus")
	}))

	t.Run("should return the handler result", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "r1", Method: "count"})
		assert.Equal(t, "r1", resp.ID)
		assert.Nil(t, resp.Error)
		assert.Equal(t, 1, resp.Result)
	})

	t.Run("should pass handler errors through as the message", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "r2", Method: "fail"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Equal(t, "invalid session type: bogus", resp.Error.Message)
	})

	t.Run("should report unknown methods", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "r3", Method: "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should replay idempotent requests", func(t *testing.T) {
		first := router.RouteRequest(ctx, &RPCRequest{ID: "r4", Method: "count", IdempotencyKey: "k"})
		second := router.RouteRequest(ctx, &RPCRequest{ID: "r5", Method: "count", IdempotencyKey: "k"})
		assert.Equal(t, first.Result, second.Result)
		assert.Equal(t, "r5", second.ID)

		third := router.RouteRequest(ctx, &RPCRequest{ID: "r6", Method: "count", IdempotencyKey: "other"})
		assert.NotEqual(t, first.Result, third.Result)
	})

	t.Run("should reject a nil request", func(t *testing.T) {
		resp := router.RouteRequest(ctx, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}
