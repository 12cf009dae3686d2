package riva

import (
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// RecognizeMethod is the full gRPC method name of the streaming recognizer.
const RecognizeMethod = "/nvidia.riva.asr.RivaSpeechRecognition/StreamingRecognize"

const encodingLinearPCM = 1

// recognitionConfig mirrors the subset of riva RecognitionConfig candor sends.
type recognitionConfig struct {
	SampleRateHertz      int32
	LanguageCode         string
	MaxAlternatives      int32
	SpeechPhrases        []SpeechPhrase
	AudioChannelCount    int32
	AutomaticPunctuation bool
	Model                string
}

// Result is one recognition result from a streaming response.
type Result struct {
	Transcript string
	Final      bool
	Stability  float32
}

// encodeConfigRequest builds a StreamingRecognizeRequest carrying streaming_config.
func encodeConfigRequest(cfg recognitionConfig, interim bool) []byte {
	var rc []byte
	rc = protowire.AppendTag(rc, 1, protowire.VarintType)
	rc = protowire.AppendVarint(rc, encodingLinearPCM)
	if cfg.SampleRateHertz > 0 {
		rc = protowire.AppendTag(rc, 2, protowire.VarintType)
		rc = protowire.AppendVarint(rc, uint64(cfg.SampleRateHertz))
	}
	if cfg.LanguageCode != "" {
		rc = protowire.AppendTag(rc, 3, protowire.BytesType)
		rc = protowire.AppendString(rc, cfg.LanguageCode)
	}
	if cfg.MaxAlternatives > 0 {
		rc = protowire.AppendTag(rc, 4, protowire.VarintType)
		rc = protowire.AppendVarint(rc, uint64(cfg.MaxAlternatives))
	}
	for _, phrase := range cfg.SpeechPhrases {
		text := strings.TrimSpace(phrase.Phrase)
		if text == "" {
			continue
		}
		var sc []byte
		sc = protowire.AppendTag(sc, 1, protowire.BytesType)
		sc = protowire.AppendString(sc, text)
		if phrase.Boost != 0 {
			sc = protowire.AppendTag(sc, 4, protowire.Fixed32Type)
			sc = protowire.AppendFixed32(sc, math.Float32bits(phrase.Boost))
		}
		rc = protowire.AppendTag(rc, 6, protowire.BytesType)
		rc = protowire.AppendBytes(rc, sc)
	}
	if cfg.AudioChannelCount > 0 {
		rc = protowire.AppendTag(rc, 7, protowire.VarintType)
		rc = protowire.AppendVarint(rc, uint64(cfg.AudioChannelCount))
	}
	if cfg.AutomaticPunctuation {
		rc = protowire.AppendTag(rc, 11, protowire.VarintType)
		rc = protowire.AppendVarint(rc, 1)
	}
	if cfg.Model != "" {
		rc = protowire.AppendTag(rc, 13, protowire.BytesType)
		rc = protowire.AppendString(rc, cfg.Model)
	}

	var stream []byte
	stream = protowire.AppendTag(stream, 1, protowire.BytesType)
	stream = protowire.AppendBytes(stream, rc)
	if interim {
		stream = protowire.AppendTag(stream, 2, protowire.VarintType)
		stream = protowire.AppendVarint(stream, 1)
	}

	var req []byte
	req = protowire.AppendTag(req, 1, protowire.BytesType)
	return protowire.AppendBytes(req, stream)
}

// encodeAudioRequest builds a StreamingRecognizeRequest carrying audio_content.
func encodeAudioRequest(chunk []byte) []byte {
	req := make([]byte, 0, len(chunk)+8)
	req = protowire.AppendTag(req, 2, protowire.BytesType)
	return protowire.AppendBytes(req, chunk)
}

// decodeResponse extracts the first alternative of each result in a StreamingRecognizeResponse.
func decodeResponse(b []byte) ([]Result, error) {
	var results []Result
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != 1 || typ != protowire.BytesType {
			return nil
		}
		result, err := decodeResult(v)
		if err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		results = append(results, result)
		return nil
	})
	return results, err
}

func decodeResult(b []byte) (Result, error) {
	var (
		result  Result
		haveAlt bool
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			if haveAlt {
				return nil
			}
			haveAlt = true
			return walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num == 1 && typ == protowire.BytesType {
					result.Transcript = string(v)
				}
				return nil
			})
		case num == 2 && typ == protowire.VarintType:
			result.Final = scalar != 0
		case num == 3 && typ == protowire.Fixed32Type:
			result.Stability = math.Float32frombits(uint32(scalar))
		}
		return nil
	})
	return result, err
}

// walkFields visits every field of a protobuf message. Length-delimited values are passed in v,
// varint and fixed values in scalar.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v      []byte
			scalar uint64
		)
		switch typ {
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			scalar = uint64(x)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := visit(num, typ, v, scalar); err != nil {
			return err
		}
	}
	return nil
}

// frame carries one already-encoded protobuf message through gRPC.
type frame struct {
	b []byte
}

// wireCodec passes frames through untouched. It registers under the proto name so the server sees
// application/grpc+proto.
type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("riva codec: unexpected message type %T", v)
	}
	return f.b, nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("riva codec: unexpected message type %T", v)
	}
	f.b = append(f.b[:0], data...)
	return nil
}

func (wireCodec) Name() string { return "proto" }
