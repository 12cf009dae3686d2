package cue

import (
	"context"
	"fmt"
	"math"

	"github.com/jfreymuth/pulse"
)

type cueKind int

const (
	cueQuestion cueKind = iota + 1
	cueExpired
	cueComplete
	cueError
)

const (
	cueRate  = 16000
	noteGap  = 0.022 // seconds of silence between notes
	rampSecs = 0.005
)

// note is one sine tone: pitch in Hz, length in milliseconds, and peak gain in [0,1].
type note struct {
	hz   float64
	ms   int
	gain float64
}

var melodies = map[cueKind][]note{
	cueQuestion: {{660, 80, 0.16}, {880, 80, 0.16}},
	cueExpired:  {{520, 110, 0.18}, {520, 110, 0.18}},
	cueComplete: {{740, 65, 0.18}, {988, 65, 0.18}, {1318, 110, 0.18}},
	cueError:    {{480, 75, 0.18}, {360, 90, 0.18}},
}

var rendered = func() map[cueKind][]int16 {
	out := make(map[cueKind][]int16, len(melodies))
	for kind, notes := range melodies {
		out[kind] = render(notes)
	}
	return out
}()

func emitCue(ctx context.Context, kind cueKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pcm := rendered[kind]
	if len(pcm) == 0 {
		return nil
	}
	return playPCM(pcm)
}

func playPCM(pcm []int16) error {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("candor"),
		pulse.ClientApplicationIconName("camera-video"),
	)
	if err != nil {
		return fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	remaining := pcm
	source := pulse.Int16Reader(func(buf []int16) (int, error) {
		n := copy(buf, remaining)
		remaining = remaining[n:]
		if len(remaining) == 0 {
			return n, pulse.EndOfData
		}
		return n, nil
	})

	playback, err := client.NewPlayback(source,
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(cueRate),
		pulse.PlaybackLatency(0.02),
		pulse.PlaybackMediaName("candor cue"),
	)
	if err != nil {
		return fmt.Errorf("open cue playback: %w", err)
	}
	defer playback.Close()

	playback.Start()
	playback.Drain()
	if err := playback.Error(); err != nil {
		return fmt.Errorf("play cue: %w", err)
	}
	return nil
}

// render concatenates notes with short silences. Each note fades in and out over a few
// milliseconds so it does not click.
func render(notes []note) []int16 {
	gap := int(math.Round(noteGap * cueRate))
	var pcm []int16
	for i, n := range notes {
		if i > 0 {
			pcm = append(pcm, make([]int16, gap)...)
		}
		pcm = append(pcm, tone(n)...)
	}
	return pcm
}

func tone(n note) []int16 {
	count := n.ms * cueRate / 1000
	if count <= 0 || n.hz <= 0 || n.gain <= 0 {
		return nil
	}
	ramp := max(1, min(count/10, int(rampSecs*cueRate)))

	pcm := make([]int16, count)
	for i := range pcm {
		env := min(1, float64(i)/float64(ramp), float64(count-1-i)/float64(ramp))
		phase := 2 * math.Pi * n.hz * float64(i) / cueRate
		pcm[i] = int16(math.Round(math.Sin(phase) * n.gain * env * math.MaxInt16))
	}
	return pcm
}
