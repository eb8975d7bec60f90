package repl_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"judgecore/internal/cli/command"
	httpclient "judgecore/internal/cli/http"
	"judgecore/internal/cli/repl"
	"judgecore/internal/cli/state"
)

func newSession(t *testing.T, handler http.HandlerFunc, token string) (*repl.Session, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokenState := &state.TokenState{AccessToken: token}
	client := httpclient.New(srv.URL, time.Second, func() string { return tokenState.AccessToken })
	out := &bytes.Buffer{}
	session := repl.New(client, command.Registry(), tokenState, repl.Options{
		StatePath: t.TempDir() + "/state.json",
		NoColor:   true,
		Out:       out,
	})
	return session, out
}

func TestExecuteStatus(t *testing.T) {
	var gotPath string
	session, out := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"code":0,"data":{"status":"running"}}`))
	}, "")

	if err := session.Execute(context.Background(), `judge status id="p 1"`, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotPath != "/api/v1/judge/processes/p 1" {
		t.Fatalf("path = %q", gotPath)
	}
	if !strings.Contains(out.String(), "HTTP 200") || !strings.Contains(out.String(), "running") {
		t.Fatalf("output = %s", out.String())
	}
}

func TestInvokePromptsForMissing(t *testing.T) {
	var gotBody string
	session, _ := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.String()
		w.WriteHeader(http.StatusAccepted)
	}, "")

	cmd := command.Registry()["judge create"]
	prompt := func(label string) (string, error) {
		if label != "submission_id" {
			t.Fatalf("prompt label = %q", label)
		}
		return "sub-9", nil
	}
	if err := session.Invoke(context.Background(), cmd, command.Params{}, prompt); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(gotBody, `"submission_id":"sub-9"`) {
		t.Fatalf("body = %s", gotBody)
	}
}

func TestInvokeRequiresToken(t *testing.T) {
	called := false
	session, _ := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}, "")

	err := session.Invoke(context.Background(), command.Registry()["judge rejudge"], command.Params{"id": "s1"}, nil)
	if err == nil || !strings.Contains(err.Error(), "operator token") {
		t.Fatalf("err = %v", err)
	}
	if called {
		t.Fatalf("request should not be sent without a token")
	}
}

func TestInvokeReportsHTTPError(t *testing.T) {
	session, out := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer op" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":1,"message":"process is terminal"}`))
	}, "op")

	err := session.Execute(context.Background(), "judge cancel p1 ", nil)
	if err == nil {
		t.Fatalf("expected parse error for bare token")
	}
	err = session.Execute(context.Background(), "judge cancel id=p1 reason=x", nil)
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out.String(), "process is terminal") {
		t.Fatalf("output = %s", out.String())
	}
}

func TestMaskToken(t *testing.T) {
	t.Parallel()

	if got := repl.MaskToken("abcdefghijklmnop"); got != "abcdef...mnop" {
		t.Fatalf("mask = %q", got)
	}
	if got := repl.MaskToken("short"); got != "short" {
		t.Fatalf("mask = %q", got)
	}
}
