package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.BytesWritten.WithLabelValues(Label(0)).Add(13)
	m.Opens.WithLabelValues(Label(0), "write-only").Inc()

	assert.Equal(t, 13.0, testutil.ToFloat64(m.BytesWritten.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Opens.WithLabelValues("0", "write-only")))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `zanim_written_bytes_total{device="0"} 13`)
	assert.Contains(t, string(body), `zanim_opens_total{device="0",mode="write-only"} 1`)
}

func TestMetrics_SeparateInstancesDoNotShareState(t *testing.T) {
	a := New()
	b := New()
	a.BytesRead.WithLabelValues("1").Add(5)

	assert.Equal(t, 5.0, testutil.ToFloat64(a.BytesRead.WithLabelValues("1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.BytesRead.WithLabelValues("1")))
	assert.Equal(t, 1, testutil.CollectAndCount(a.BytesRead))
}
