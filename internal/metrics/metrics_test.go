package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistObserve(t *testing.T) {
	c := NewCollector()
	c.PersistObserve(time.Millisecond, 3, nil)
	c.PersistObserve(time.Millisecond, 2, errors.New("boom"))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.PersistRecords))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PersistErrors))
	assert.Equal(t, 1, testutil.CollectAndCount(c.PersistDuration))
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	for _, tt := range []struct {
		err  error
		code int
	}{
		{nil, http.StatusOK},
		{errors.New("down"), http.StatusServiceUnavailable},
	} {
		c := NewCollector()
		srv := c.Serve("127.0.0.1:0", pinger{tt.err})
		h := srv.Handler
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, tt.code, rec.Code)
		require.NoError(t, srv.Close())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	c := NewCollector()
	c.MessagesReceived.Inc()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ingest_messages_received_total 1")
}
