package audio

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

// SyntheticDevice identifies the generated tone source used by the sandbox.
var SyntheticDevice = Device{ID: "synthetic", Description: "Synthetic tone", Available: true, Default: true}

// StartSynthetic feeds a quiet sine tone into a capture in real time until ctx ends or the capture
// stops.
func StartSynthetic(ctx context.Context, frequency float64) *Capture {
	capture := NewCapture(SyntheticDevice)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		var sample int
		for {
			select {
			case <-ctx.Done():
				_ = capture.Stop()
				return
			case <-capture.stopCh:
				return
			case <-ticker.C:
				frame := toneFrame(frequency, sample, chunkSizeBytes/2)
				sample += chunkSizeBytes / 2
				if _, err := capture.Write(frame); err != nil {
					return
				}
			}
		}
	}()
	return capture
}

// toneFrame renders n samples of a sine wave starting at sample offset.
func toneFrame(frequency float64, offset int, n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(offset+i) / SampleRate
		v := int16(math.Sin(2*math.Pi*frequency*t) * 0.1 * math.MaxInt16)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
