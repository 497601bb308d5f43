package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Feature: wearable-sync, Property 7: Request logging
// Every request is logged with method, path, user ID, status, duration and timestamp
func TestProperty_RequestLogging(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("all requests are logged with required fields", prop.ForAll(
		func(method string, path string, userID string) bool {
			core, logs := observer.New(zapcore.InfoLevel)
			logger := zap.New(core)

			gin.SetMode(gin.TestMode)
			router := gin.New()
			router.Use(RequestIDMiddleware())
			router.Use(RequestLoggingMiddleware(logger))

			router.Handle(method, path, func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			target := path
			if userID != "" {
				target += "?userId=" + userID
			}
			req := httptest.NewRequest(method, target, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			entries := logs.FilterMessage("Request completed").All()
			if len(entries) != 1 {
				t.Logf("Request log entry not found")
				return false
			}

			fields := entries[0].ContextMap()
			if fields["method"] != method || fields["path"] != path {
				t.Logf("method/path mismatch: %v %v", fields["method"], fields["path"])
				return false
			}

			wantUser := userID
			if wantUser == "" {
				wantUser = "anonymous"
			}
			if fields["user_id"] != wantUser {
				t.Logf("user_id mismatch: expected %s, got %v", wantUser, fields["user_id"])
				return false
			}

			for _, key := range []string{"timestamp", "duration", "status", "request_id"} {
				if _, ok := fields[key]; !ok {
					t.Logf("%s field missing", key)
					return false
				}
			}
			return true
		},
		gen.OneConstOf("GET", "POST", "DELETE"),
		gen.OneConstOf("/api/v1/wearables/sync", "/api/v1/wearables/connections", "/api/v1/wearables/apple/import"),
		gen.AlphaString(),
	))

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties.TestingRun(t, params)
}

// Feature: wearable-sync, Property 8: Error logging detail
// Errors attached to a request are logged with a stack trace and request context
func TestProperty_ErrorLoggingDetail(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("errors are logged with stack traces and context", prop.ForAll(
		func(errorMessage string, path string) bool {
			core, logs := observer.New(zapcore.ErrorLevel)
			logger := zap.New(core)

			gin.SetMode(gin.TestMode)
			router := gin.New()
			router.Use(ErrorLoggingMiddleware(logger))

			router.GET(path, func(c *gin.Context) {
				c.Error(&testError{msg: errorMessage})
				c.Status(http.StatusInternalServerError)
			})

			req := httptest.NewRequest("GET", path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			entries := logs.FilterMessage("Request error occurred").All()
			if len(entries) != 1 {
				t.Logf("expected one error entry, got %d", len(entries))
				return false
			}

			fields := entries[0].ContextMap()
			if fields["error"] != errorMessage {
				t.Logf("error mismatch: %v", fields["error"])
				return false
			}
			if fields["path"] != path || fields["method"] != "GET" {
				return false
			}
			if _, ok := fields["stack_trace"]; !ok {
				t.Logf("stack_trace field missing")
				return false
			}
			return true
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.OneConstOf("/api/v1/wearables/sync", "/api/v1/wearables/connections"),
	))

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties.TestingRun(t, params)
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})

	t.Run("generates a uuid", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

		id := w.Header().Get(RequestIDHeader)
		_, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, id, w.Body.String())
	})

	t.Run("keeps incoming id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
		assert.Equal(t, "req-123", w.Body.String())
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.New(core)))
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":"INTERNAL_ERROR","message":"Internal server error"}`, w.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())
}

func TestSlowRequestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(SlowRequestLoggingMiddleware(zap.New(core), 10*time.Millisecond))
	router.GET("/fast", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/slow", func(c *gin.Context) {
		time.Sleep(30 * time.Millisecond)
		c.Status(http.StatusOK)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/fast", nil))
	assert.Equal(t, 0, logs.FilterMessage("Slow request").Len())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/slow", nil))
	slow := logs.FilterMessage("Slow request").All()
	require.Len(t, slow, 1)
	assert.Equal(t, "/slow", slow[0].ContextMap()["path"])
}

type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}
