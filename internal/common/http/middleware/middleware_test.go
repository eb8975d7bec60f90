package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"judgecore/internal/common/http/middleware"
	"judgecore/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.TraceContextMiddleware())
	router.GET("/trace", func(c *gin.Context) {
		ctx := c.Request.Context()
		traceID, _ := ctx.Value(contextkey.TraceID).(string)
		c.String(http.StatusOK, traceID)
	})

	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "explicit header", headers: map[string]string{"X-Trace-Id": "trace-123"}, want: "trace-123"},
		{
			name:    "w3c traceparent",
			headers: map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
			want:    "4bf92f3577b34da6a3ce929d0e0e4736",
		},
		{name: "generated", headers: nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/trace", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			router.ServeHTTP(rec, req)

			got := rec.Body.String()
			if got == "" {
				t.Fatalf("trace id missing from context")
			}
			if tc.want != "" && got != tc.want {
				t.Fatalf("trace id = %q, want %q", got, tc.want)
			}
			if rec.Header().Get("X-Trace-Id") != got {
				t.Fatalf("response header mismatch: %q vs %q", rec.Header().Get("X-Trace-Id"), got)
			}
			if rec.Header().Get("X-Request-Id") == "" {
				t.Fatalf("request id header missing")
			}
		})
	}
}

func TestTraceContextIgnoresUserHeaderByDefault(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.TraceContextMiddleware())
	router.GET("/u", func(c *gin.Context) {
		if _, ok := c.Get("user_id"); ok {
			c.Status(http.StatusTeapot)
			return
		}
		c.Status(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/u", nil)
	req.Header.Set("X-User-Id", "42")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("user header must not be trusted by default")
	}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestOperatorAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	const secret = "s3cret"
	router := gin.New()
	router.Use(middleware.OperatorAuth(middleware.OperatorAuthConfig{
		Secret: secret,
		Issuer: "judge-ops",
		Roles:  []string{"admin"},
	}))
	router.POST("/op", func(c *gin.Context) {
		uid, _ := c.Request.Context().Value(contextkey.UserID).(string)
		c.String(http.StatusOK, uid)
	})

	valid := jwt.MapClaims{
		"sub":  "7",
		"role": "admin",
		"typ":  "access",
		"iss":  "judge-ops",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	withClaims := func(mod func(jwt.MapClaims)) jwt.MapClaims {
		out := jwt.MapClaims{}
		for k, v := range valid {
			out[k] = v
		}
		mod(out)
		return out
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer " + signToken(t, secret, valid), want: http.StatusOK},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, "other", valid), want: http.StatusUnauthorized},
		{
			name:   "expired",
			header: "Bearer " + signToken(t, secret, withClaims(func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() })),
			want:   http.StatusUnauthorized,
		},
		{
			name:   "wrong issuer",
			header: "Bearer " + signToken(t, secret, withClaims(func(c jwt.MapClaims) { c["iss"] = "someone" })),
			want:   http.StatusUnauthorized,
		},
		{
			name:   "refresh token",
			header: "Bearer " + signToken(t, secret, withClaims(func(c jwt.MapClaims) { c["typ"] = "refresh" })),
			want:   http.StatusUnauthorized,
		},
		{
			name:   "wrong role",
			header: "Bearer " + signToken(t, secret, withClaims(func(c jwt.MapClaims) { c["role"] = "user" })),
			want:   http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/op", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusOK && rec.Body.String() != "7" {
				t.Fatalf("user id = %q", rec.Body.String())
			}
		})
	}
}

func TestOperatorAuthWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.OperatorAuth(middleware.OperatorAuthConfig{}))
	router.GET("/op", func(c *gin.Context) { c.Status(http.StatusOK) })
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/op", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
