package capability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeReportsBothCapabilities(t *testing.T) {
	report := Probe(context.Background(), nil, Checks{Recording: Always, Transcription: Always})
	require.True(t, report.Recording)
	require.True(t, report.Transcription)
	require.Empty(t, report.Reasons)
}

func TestProbeNilChecksAreDisabled(t *testing.T) {
	report := Probe(context.Background(), nil, Checks{})
	require.False(t, report.Recording)
	require.False(t, report.Transcription)
	require.Equal(t, ErrDisabled.Error(), report.Reasons["recording"])
	require.Equal(t, ErrDisabled.Error(), report.Reasons["transcription"])
}

func TestProbeFailureOnlyAffectsItsFlag(t *testing.T) {
	report := Probe(context.Background(), nil, Checks{
		Recording:     func(context.Context) error { return errors.New("no source") },
		Transcription: Always,
	})
	require.False(t, report.Recording)
	require.True(t, report.Transcription)
	require.Equal(t, "no source", report.Reasons["recording"])
}

func TestProbeTimesOutSlowChecks(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	start := time.Now()
	report := Probe(context.Background(), nil, Checks{Recording: slow, Transcription: slow, Timeout: 30 * time.Millisecond})
	require.Less(t, time.Since(start), time.Second)
	require.False(t, report.Recording)
	require.False(t, report.Transcription)
}

func TestASRReadyUsesHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/health/ready" {
			_, _ = w.Write([]byte("ready"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	require.NoError(t, ASRReady(srv.URL, "/v1/health/ready")(context.Background()))
	require.Error(t, ASRReady(srv.URL, "/missing")(context.Background()))
	require.Error(t, ASRReady("", "/v1/health/ready")(context.Background()))
}
