package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/marketplace/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRemoteWritePusherSendsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newOrderMetrics(registry, Config{ServiceName: "marketplace", Environment: "test"})
	m.AddStaleExpired(3)

	var received prompb.WriteRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, received.Unmarshal(decoded))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	pusher := NewRemoteWritePusher(server.URL, "token")
	pusher.now = func() time.Time { return time.UnixMilli(1000) }
	require.NoError(t, pusher.Push(context.Background(), registry))

	var found bool
	for _, ts := range received.Timeseries {
		for _, l := range ts.Labels {
			if l.Name == "__name__" && l.Value == "marketplace_stale_orders_expired_total" {
				found = true
				require.Len(t, ts.Samples, 1)
				assert.Equal(t, float64(3), ts.Samples[0].Value)
				assert.Equal(t, int64(1000), ts.Samples[0].Timestamp)
			}
		}
	}
	assert.True(t, found, "expected stale order counter in payload")
}

func TestNewPusherDisabledWithoutExporter(t *testing.T) {
	assert.Nil(t, NewPusher(config.Config{}, zap.NewNop()))
	assert.Nil(t, NewPusher(config.Config{Metrics: config.MetricsPushConfig{Exporter: ExporterRemoteWrite}}, zap.NewNop()))
	assert.NotNil(t, NewPusher(config.Config{AppName: "marketplace", Metrics: config.MetricsPushConfig{
		Exporter: ExporterPushgateway,
		Endpoint: "http://pushgateway:9091",
	}}, zap.NewNop()))
}
