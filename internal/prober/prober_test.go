package prober

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/IliaW/front-page-snapshot-worker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestProber() *Prober {
	return New(&config.ProbeConfig{MaxConcurrency: 2, Timeout: 2 * time.Second},
		"snapshot-worker/1.0", testLogger())
}

func TestProbeLiveTargetIsUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "snapshot-worker/1.0", r.UserAgent())
		_, _ = w.Write([]byte("<html>town hall</html>"))
	}))
	defer server.Close()

	target := model.Target{URL: server.URL, PlaceName: "Town Hall"}
	target.Normalize()
	record := newTestProber().Probe(target)

	require.NotNil(t, record)
	assert.Equal(t, model.Up, record.Classification)
	assert.Equal(t, http.StatusOK, record.StatusCode)
	assert.Equal(t, model.NoError, record.Error)
	assert.Equal(t, target.GNIS, record.GNIS)
}

func TestProbeErrorStatusIsDownWithStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	record := newTestProber().Probe(model.Target{URL: server.URL, PlaceName: "gone"})

	assert.Equal(t, model.Down, record.Classification)
	assert.Equal(t, http.StatusNotFound, record.StatusCode)
	assert.NotEqual(t, model.NoError, record.Error)
}

func TestProbeUnreachableTargetIsDownWithError(t *testing.T) {
	record := newTestProber().Probe(model.Target{URL: "http://127.0.0.1:1", PlaceName: "nowhere"})

	assert.Equal(t, model.Down, record.Classification)
	assert.Zero(t, record.StatusCode)
	assert.NotEqual(t, model.NoError, record.Error)
}

func TestProbeAddsSchemeWhenMissing(t *testing.T) {
	// scheme-less input would not even parse without the https fallback;
	// a refused connection still proves the request was attempted
	record := newTestProber().Probe(model.Target{URL: "127.0.0.1:1", PlaceName: "bare"})

	assert.Equal(t, model.Down, record.Classification)
	assert.NotEqual(t, model.NoError, record.Error)
}
