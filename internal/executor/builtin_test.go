package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/pkg/models"
)

func TestRegisterBuiltins(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, RegisterBuiltins(registry, 0))

	assert.Equal(t, []string{"echo", "fail", "http.request", "sleep"}, registry.Names())

	require.Error(t, RegisterBuiltins(registry, 0), "double registration must fail")
}

func TestRegistryRejectsDuplicatesAndUnnamed(t *testing.T) {
	registry := NewRegistry()
	noop := func(context.Context, models.JSONMap) (models.JSONMap, error) { return nil, nil }

	require.NoError(t, registry.Register(ActionFunc{ActionName: "x", Fn: noop}))
	assert.Error(t, registry.Register(ActionFunc{ActionName: "x", Fn: noop}))
	assert.Error(t, registry.Register(ActionFunc{Fn: noop}))

	_, ok := registry.Resolve("x")
	assert.True(t, ok)
	_, ok = registry.Resolve("y")
	assert.False(t, ok)
}

func TestEchoReturnsInputCopy(t *testing.T) {
	input := models.JSONMap{"a": 1, "b": "two"}
	result, err := Echo().Run(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, models.JSONMap{"a": 1, "b": "two"}, result)

	result["a"] = 99
	assert.Equal(t, 1, input["a"], "result must not alias the input")
}

func TestSleepDurations(t *testing.T) {
	tests := []struct {
		name    string
		input   models.JSONMap
		wantErr string
	}{
		{name: "string duration", input: models.JSONMap{"duration": "1ms"}},
		{name: "numeric seconds", input: models.JSONMap{"duration": 0.001}},
		{name: "missing", input: models.JSONMap{}, wantErr: "needs a duration"},
		{name: "garbage", input: models.JSONMap{"duration": "soon"}, wantErr: "invalid duration"},
		{name: "negative", input: models.JSONMap{"duration": "-1s"}, wantErr: "negative"},
		{name: "wrong type", input: models.JSONMap{"duration": true}, wantErr: "cannot read"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Sleep().Run(context.Background(), tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, result, "slept")
		})
	}
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Sleep().Run(ctx, models.JSONMap{"duration": "1m"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestFailUsesMessage(t *testing.T) {
	_, err := Fail().Run(context.Background(), models.JSONMap{"message": "card declined"})
	require.EqualError(t, err, "card declined")

	_, err = Fail().Run(context.Background(), models.JSONMap{})
	require.EqualError(t, err, "fail action invoked")
}

func TestHTTPRequestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true, "n": 3}`))
	}))
	defer srv.Close()

	result, err := HTTPRequest(time.Second).Run(context.Background(), models.JSONMap{
		"url":     srv.URL,
		"headers": map[string]interface{}{"Authorization": "bearer tok"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, result["status"])
	assert.Equal(t, map[string]interface{}{"ok": true, "n": float64(3)}, result["body"])
}

func TestHTTPRequestPostEncodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		assert.NoError(t, json.Unmarshal(raw, &payload))
		assert.Equal(t, "db", payload["target"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`created`))
	}))
	defer srv.Close()

	result, err := HTTPRequest(time.Second).Run(context.Background(), models.JSONMap{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]interface{}{"target": "db"},
	})
	require.NoError(t, err)
	assert.Equal(t, 201, result["status"])
	assert.Equal(t, "created", result["body"])
}

func TestHTTPRequestStringBodySentVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		assert.Equal(t, "plain payload", string(raw))
		assert.Empty(t, r.Header.Get("Content-Type"))
	}))
	defer srv.Close()

	_, err := HTTPRequest(time.Second).Run(context.Background(), models.JSONMap{
		"url":    srv.URL,
		"method": "PUT",
		"body":   "plain payload",
	})
	require.NoError(t, err)
}

func TestHTTPRequestFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := HTTPRequest(time.Second).Run(context.Background(), models.JSONMap{"url": srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 503")
}

func TestHTTPRequestRequiresURL(t *testing.T) {
	_, err := HTTPRequest(time.Second).Run(context.Background(), models.JSONMap{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a url")
}
