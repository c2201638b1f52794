package httputil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rr.Header().Get("X-Request-ID"))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "req-123")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		assert.Equal(t, "req-123", seen)
		assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))
	})
}

func TestRecoverer(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter("test", "test", &buf)
	h := Recoverer(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestLogger_RecordsAuthenticatedUser(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter("test", "test", &buf)
	v := testVerifier()

	h := RequestID(Logger(log)(Authenticate(v, logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))))

	token, err := v.Sign(TokenClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42"}}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sales", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", "req-7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "HTTP request", entry["message"])
	assert.Equal(t, "req-7", entry["request_id"])
	assert.Equal(t, "user-42", entry["user_id"])
	assert.Equal(t, "/sales", entry["path"])
	assert.Equal(t, float64(http.StatusAccepted), entry["status"])
}
