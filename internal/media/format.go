package media

import (
	"errors"
	"strings"
)

// ErrNoSupportedFormat indicates none of the preferred encodings is available from the recorder.
var ErrNoSupportedFormat = errors.New("no supported recording format")

// DefaultPreferences lists encodings from most to least preferred.
var DefaultPreferences = []string{
	"video/webm;codecs=vp9,opus",
	"video/webm;codecs=vp8,opus",
	"video/webm",
	"video/mp4",
	"audio/webm;codecs=opus",
	"audio/wav",
}

// Format is one encoding a recorder can produce.
type Format struct {
	MIMEType   string
	SampleRate int
	Channels   int
	// Encode turns the chunks of one question window into the artifact body.
	// Nil concatenates the chunks.
	Encode func(chunks [][]byte) []byte
}

// SelectFormat picks the first preference the recorder offers.
func SelectFormat(preferences []string, available []Format) (Format, error) {
	if len(preferences) == 0 {
		preferences = DefaultPreferences
	}
	for _, pref := range preferences {
		want := normalizeMIME(pref)
		if want == "" {
			continue
		}
		for _, format := range available {
			if normalizeMIME(format.MIMEType) == want {
				return format, nil
			}
		}
	}
	return Format{}, ErrNoSupportedFormat
}

func (f Format) encode(chunks [][]byte) []byte {
	if f.Encode != nil {
		return f.Encode(chunks)
	}
	size := 0
	for _, chunk := range chunks {
		size += len(chunk)
	}
	out := make([]byte, 0, size)
	for _, chunk := range chunks {
		out = append(out, chunk...)
	}
	return out
}

func normalizeMIME(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	return strings.Join(strings.Fields(strings.ReplaceAll(raw, "; ", ";")), "")
}
