package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/models"
)

// Builtin action names.
const (
	ActionEcho        = "echo"
	ActionSleep       = "sleep"
	ActionFail        = "fail"
	ActionHTTPRequest = "http.request"
)

// maxResponseBytes caps how much of an HTTP response body becomes task
// result data.
const maxResponseBytes = 4 << 20

// RegisterBuiltins installs the stock action set. httpTimeout bounds
// each http.request round trip; zero picks a default.
func RegisterBuiltins(registry *Registry, httpTimeout time.Duration) error {
	actions := []Action{Echo(), Sleep(), Fail(), HTTPRequest(httpTimeout)}
	for _, action := range actions {
		if err := registry.Register(action); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns its input unchanged as the result. Useful for wiring
// tests and for carrying templated values forward.
func Echo() Action {
	return ActionFunc{
		ActionName: ActionEcho,
		Fn: func(_ context.Context, input models.JSONMap) (models.JSONMap, error) {
			result := make(models.JSONMap, len(input))
			for k, v := range input {
				result[k] = v
			}
			return result, nil
		},
	}
}

// Sleep waits for input.duration (a Go duration string, or a number of
// seconds) and returns how long it slept.
func Sleep() Action {
	return ActionFunc{
		ActionName: ActionSleep,
		Fn: func(ctx context.Context, input models.JSONMap) (models.JSONMap, error) {
			d, err := sleepDuration(input)
			if err != nil {
				return nil, err
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
			return models.JSONMap{"slept": d.String()}, nil
		},
	}
}

func sleepDuration(input models.JSONMap) (time.Duration, error) {
	raw, ok := input["duration"]
	if !ok {
		return 0, errors.New("sleep needs a duration")
	}
	var d time.Duration
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid duration %q", v)
		}
		d = parsed
	case float64:
		d = time.Duration(v * float64(time.Second))
	case int:
		d = time.Duration(v) * time.Second
	default:
		return 0, errors.Errorf("cannot read a duration from %T", raw)
	}
	if d < 0 {
		return 0, errors.Errorf("negative duration %s", d)
	}
	return d, nil
}

// Fail always fails with input.message, so retry and error-path behavior
// can be driven from a workflow document alone.
func Fail() Action {
	return ActionFunc{
		ActionName: ActionFail,
		Fn: func(_ context.Context, input models.JSONMap) (models.JSONMap, error) {
			message := "fail action invoked"
			if raw, ok := input["message"].(string); ok && raw != "" {
				message = raw
			}
			return nil, errors.New(message)
		},
	}
}

type httpRequestAction struct {
	client *http.Client
}

// HTTPRequest performs one HTTP round trip described by the input:
// url (required), method (default GET), headers (map), body (string sent
// verbatim, anything else JSON-encoded). The result carries status and
// the decoded body; a status of 400 or above fails the attempt so retry
// policies apply.
func HTTPRequest(timeout time.Duration) Action {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpRequestAction{client: &http.Client{Timeout: timeout}}
}

func (a *httpRequestAction) Name() string { return ActionHTTPRequest }

func (a *httpRequestAction) Run(ctx context.Context, input models.JSONMap) (models.JSONMap, error) {
	url, _ := input["url"].(string)
	if url == "" {
		return nil, errors.New("http.request needs a url")
	}
	method := http.MethodGet
	if raw, ok := input["method"].(string); ok && raw != "" {
		method = strings.ToUpper(raw)
	}

	var body io.Reader
	contentType := ""
	if raw, ok := input["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Wrap(err, "failed to encode request body")
			}
			body = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(err, "invalid http request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for name, value := range headers {
			req.Header.Set(name, fmt.Sprint(value))
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", method, url)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read response from %s", url)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errors.Errorf("%s %s returned %d", method, url, resp.StatusCode)
	}

	var decoded interface{}
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		return models.JSONMap{"status": resp.StatusCode, "body": decoded}, nil
	}
	return models.JSONMap{"status": resp.StatusCode, "body": string(raw)}, nil
}
