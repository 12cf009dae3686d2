// Package capability determines once per run whether recording and transcription can work.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rbright/candor/internal/audio"
	"github.com/rbright/candor/internal/riva"
)

// ErrDisabled marks a check that configuration turned off.
var ErrDisabled = errors.New("disabled by configuration")

// DefaultTimeout bounds each check.
const DefaultTimeout = 3 * time.Second

// Report is the fixed result of one probe.
type Report struct {
	Transcription bool
	Recording     bool
	// Reasons explains each false flag, keyed "transcription" or "recording".
	Reasons map[string]string
}

// Check reports nil when a capability is usable.
type Check func(ctx context.Context) error

// Checks are the two probes. A nil check reports the capability as disabled.
type Checks struct {
	Recording     Check
	Transcription Check
	Timeout       time.Duration
}

// Probe runs both checks concurrently and returns the report.
func Probe(ctx context.Context, logger *slog.Logger, checks Checks) Report {
	timeout := checks.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var recErr, asrErr error
	var g errgroup.Group
	g.Go(func() error {
		recErr = run(ctx, checks.Recording, timeout)
		return nil
	})
	g.Go(func() error {
		asrErr = run(ctx, checks.Transcription, timeout)
		return nil
	})
	_ = g.Wait()

	report := Report{
		Recording:     recErr == nil,
		Transcription: asrErr == nil,
		Reasons:       map[string]string{},
	}
	if recErr != nil {
		report.Reasons["recording"] = recErr.Error()
	}
	if asrErr != nil {
		report.Reasons["transcription"] = asrErr.Error()
	}

	if logger != nil {
		logger.Info("capability probe",
			"recording", report.Recording,
			"transcription", report.Transcription,
			"recording_reason", report.Reasons["recording"],
			"transcription_reason", report.Reasons["transcription"],
		)
	}
	return report
}

func run(ctx context.Context, check Check, timeout time.Duration) error {
	if check == nil {
		return ErrDisabled
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return check(checkCtx)
}

// CaptureDevice checks that the capture server answers and an input device can be selected.
func CaptureDevice(input string, fallback string) Check {
	return func(ctx context.Context) error {
		selection, err := audio.SelectDevice(ctx, input, fallback)
		if err != nil {
			return err
		}
		if selection.Device.ID == "" {
			return fmt.Errorf("no capture device selected")
		}
		return nil
	}
}

// ASRReady checks the ASR server's HTTP readiness endpoint.
func ASRReady(base string, path string) Check {
	return func(ctx context.Context) error {
		_, err := riva.CheckReady(ctx, base, path, 0)
		return err
	}
}

// Always is a check that passes, used for synthetic devices.
func Always(context.Context) error { return nil }
