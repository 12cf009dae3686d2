package config

// DefaultFormats lists recording encodings from most to least preferred.
var DefaultFormats = []string{
	"video/webm;codecs=vp9,opus",
	"video/webm;codecs=vp8,opus",
	"video/webm",
	"video/mp4",
	"audio/webm;codecs=opus",
	"audio/wav",
}

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			GraphQLURL: "http://127.0.0.1:8080/graphql",
			UploadURL:  "http://127.0.0.1:8080/upload",
			TimeoutMS:  15000,
		},
		Audio: AudioConfig{
			Input:    "default",
			Fallback: "default",
		},
		Recording: RecordingConfig{
			Enable:        true,
			Formats:       append([]string(nil), DefaultFormats...),
			StopTimeoutMS: 1500,
		},
		ASR: ASRConfig{
			Enable:               true,
			GRPC:                 "127.0.0.1:50051",
			HTTP:                 "127.0.0.1:9000",
			HealthPath:           "/v1/health/ready",
			AutomaticPunctuation: true,
			LanguageCode:         "en-US",
			RestartDelayMS:       250,
		},
		Timer: TimerConfig{TickMS: 1000},
		Cues: CueConfig{
			Enable:         true,
			Backend:        "desktop",
			DesktopAppName: "candor",
			SoundEnable:    true,
			TextQuestion:   "Question %d of %d",
			TextExpired:    "Time is up",
			TextComplete:   "Interview submitted",
			TextError:      "Something went wrong",
			ErrorTimeoutMS: 1600,
		},
		Shell: ShellConfig{
			Enable: true,
			Listen: "127.0.0.1:7878",
		},
		Journal: JournalConfig{Enable: true},
		Vocab: VocabConfig{
			Sets:       map[string]VocabSet{},
			MaxPhrases: 1024,
		},
	}
}
