package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	httpmiddleware "github.com/wolfeidau/certbind/internal/http"
)

func TestHTTPRequests(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	var sawLogger bool
	handler := HTTPRequests(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawLogger = zerolog.Ctx(r.Context()).GetLevel() != zerolog.Disabled
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	t.Run("logs status and size", func(t *testing.T) {
		buf.Reset()
		r := httptest.NewRequest(http.MethodGet, "/pot", nil)
		r.RemoteAddr = "192.0.2.10:4321"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)

		require.Equal(t, http.StatusTeapot, w.Code)
		require.True(t, sawLogger)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		require.Equal(t, "http request", entry["message"])
		require.Equal(t, "GET", entry["method"])
		require.Equal(t, "/pot", entry["path"])
		require.Equal(t, "192.0.2.10", entry["addr"])
		require.InDelta(t, float64(http.StatusTeapot), entry["status"], 0)
		require.InDelta(t, float64(len("short and stout")), entry["bytes"], 0)
	})

	t.Run("uses client ip from middleware", func(t *testing.T) {
		buf.Reset()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.9")
		w := httptest.NewRecorder()

		httpmiddleware.ClientIPMiddleware(true)(handler).ServeHTTP(w, r)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		require.Equal(t, "203.0.113.9", entry["addr"])
	})
}

func TestHTTPRequests_serverError(t *testing.T) {
	var buf bytes.Buffer
	handler := HTTPRequests(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "error", entry["level"])
}
