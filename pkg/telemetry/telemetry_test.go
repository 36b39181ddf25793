package telemetry

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)
	require.Empty(t, tel.MetricsAddr)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_ServesMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "hvac-test"})
	require.NoError(t, err)
	defer shutdown(context.Background())

	counter, err := tel.Meter.Int64Counter("hvac_test_requests")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	_, port, err := net.SplitHostPort(tel.MetricsAddr)
	require.NoError(t, err)
	resp, err := http.Get("http://127.0.0.1:" + port + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "hvac_test_requests")
}
