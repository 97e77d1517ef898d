package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestCORSAllowsListedOrigin(t *testing.T) {
	h := NewCORS([]string{"http://viewer.local"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "http://viewer.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://viewer.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	h := NewCORS(nil)(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/webhook", nil)
	req.Header.Set("Origin", "http://anything")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
	assert.True(t, OriginAllowed([]string{"http://a"}, req))

	req.Header.Set("Origin", "http://b")
	assert.False(t, OriginAllowed([]string{"http://a"}, req))
	assert.True(t, OriginAllowed([]string{"http://a", "*"}, req))
	assert.True(t, OriginAllowed(nil, req))
}
