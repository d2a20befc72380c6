package metrics

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func testutilGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	return testutil.ToFloat64(g)
}

func TestMetricsServer(t *testing.T) {
	l := Start(":0")
	require.NotNil(t, l)
	defer l.Close()

	addr := l.Addr()
	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr.String()))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Contains(t, string(body), "go_goroutines")
}

func TestSetInstancesActive(t *testing.T) {
	SetInstancesActive("ctrbc", 3)
	v := testutilGaugeValue(t, InstancesActive.WithLabelValues("ctrbc"))
	require.Equal(t, float64(3), v)
}

func TestSetAgreementTerminationCount(t *testing.T) {
	SetAgreementTerminationCount(1, 5)
	v := testutilGaugeValue(t, AgreementTerminationCount.WithLabelValues("1"))
	require.Equal(t, float64(5), v)
}
