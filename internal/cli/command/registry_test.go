package command_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"judgecore/internal/cli/command"
)

func TestBuildRequest(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	registry := command.Registry()

	tests := []struct {
		name     string
		key      string
		params   command.Params
		method   string
		path     string
		body     map[string]string
		errorSub string
	}{
		{
			name:   "create uses alias",
			key:    "judge create",
			params: command.Params{"id": "sub-1"},
			method: http.MethodPost,
			path:   "/api/v1/judge/processes",
			body:   map[string]string{"submission_id": "sub-1"},
		},
		{
			name:   "status escapes id",
			key:    "judge status",
			params: command.Params{"id": "a/b"},
			method: http.MethodGet,
			path:   "/api/v1/judge/processes/a%2Fb",
		},
		{
			name:   "cancel carries reason",
			key:    "judge cancel",
			params: command.Params{"process_id": "p1", "reason": "bad tests"},
			method: http.MethodPost,
			path:   "/api/v1/judge/processes/p1/cancel",
			body:   map[string]string{"reason": "bad tests"},
		},
		{
			name:   "purge duration becomes query",
			key:    "judge purge",
			params: command.Params{"before": "24h"},
			method: http.MethodDelete,
			path:   "/api/v1/judge/processes?before=2026-02-28T12%3A00%3A00Z",
		},
		{
			name:     "purge rejects garbage",
			key:      "judge purge",
			params:   command.Params{"before": "yesterday"},
			errorSub: "invalid time",
		},
		{
			name:     "missing required",
			key:      "judge rejudge",
			params:   command.Params{},
			errorSub: "missing parameter: id",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, ok := registry[tt.key]
			if !ok {
				t.Fatalf("command %q not registered", tt.key)
			}
			req, err := command.BuildRequest(cmd, tt.params, now)
			if tt.errorSub != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorSub) {
					t.Fatalf("expected error containing %q, got %v", tt.errorSub, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.Method != tt.method || req.Path != tt.path {
				t.Fatalf("got %s %s, want %s %s", req.Method, req.Path, tt.method, tt.path)
			}
			if tt.body == nil {
				if len(req.Body) != 0 {
					t.Fatalf("unexpected body %s", req.Body)
				}
				return
			}
			var body map[string]string
			if err := json.Unmarshal(req.Body, &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			for k, v := range tt.body {
				if body[k] != v {
					t.Fatalf("body[%s] = %q, want %q", k, body[k], v)
				}
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := command.ParseTime("2026-01-02T03:04:05Z", now)
	if err != nil || !got.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("rfc3339: %v %v", got, err)
	}
	got, err = command.ParseTime("1h", now)
	if err != nil || !got.Equal(now.Add(-time.Hour)) {
		t.Fatalf("duration: %v %v", got, err)
	}
	if _, err := command.ParseTime("-1h", now); err == nil {
		t.Fatalf("expected negative duration to fail")
	}
}

func TestSortedAndArgs(t *testing.T) {
	t.Parallel()

	sorted := command.Sorted(command.Registry())
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Key() > sorted[i].Key() {
			t.Fatalf("not sorted at %d: %s > %s", i, sorted[i-1].Key(), sorted[i].Key())
		}
	}
	if _, err := command.ParseArgs([]string{"novalue"}); err == nil {
		t.Fatalf("expected parse error")
	}
	params, err := command.ParseArgs([]string{"ID=x=y"})
	if err != nil || params.Get("id") != "x=y" {
		t.Fatalf("params = %v, err = %v", params, err)
	}
}
