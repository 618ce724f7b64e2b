package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var _ ports.SyncMetrics = (*PrometheusCollector)(nil)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)

	p.MessageSent(domain.MessageStateUpdate)
	p.MessageSent(domain.MessageStateUpdate)
	p.MessageDropped("overflow")
	p.EntityCreated(domain.KindVideoRecorder, domain.OriginLocal)
	p.EntityCreated(domain.KindVideoRecorder, domain.OriginRemote)
	p.EntityClosed(domain.KindVideoRecorder)
	p.QueueDepth(7)
	p.SyncStateChanged(domain.SyncSynced, domain.SyncDivergent)
	p.RecordLink(domain.LinkStatus{Connected: true})

	assert.Equal(t, 2.0, testutil.ToFloat64(p.messagesSent.WithLabelValues("state-update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.messagesDropped.WithLabelValues("overflow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.entitiesLive.WithLabelValues("VideoRecorder")))
	assert.Equal(t, 7.0, testutil.ToFloat64(p.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.syncTransitions.WithLabelValues("synced", "divergent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.frontendAttach))

	p.RecordLink(domain.LinkStatus{Connected: false})
	assert.Equal(t, 0.0, testutil.ToFloat64(p.frontendAttach))
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(ctx context.Context) (bool, error) { return true, nil }, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.True(t, h.IsReady(context.Background()))

	attached := false
	h.AddTransportCheck(func() bool { return attached }, 0, time.Second)
	h.AddStorageCheck(func(ctx context.Context, name string) (bool, error) {
		return false, errors.New("disk gone")
	}, 0, time.Second)

	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["ok"])
	assert.Equal(t, "no front-end attached", status.Checks["transport"])
	assert.Equal(t, "disk gone", status.Checks["storage"])
	assert.Equal(t, "disk gone", h.Last()["storage"])

	attached = true
	assert.Equal(t, "healthy", h.CheckAll(context.Background()).Checks["transport"])
}
