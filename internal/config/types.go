// Package config resolves, parses, validates, and defaults candor configuration.
package config

// Config is the fully materialized runtime configuration used by candor.
type Config struct {
	Backend   BackendConfig
	Audio     AudioConfig
	Recording RecordingConfig
	ASR       ASRConfig
	Timer     TimerConfig
	Cues      CueConfig
	Shell     ShellConfig
	Journal   JournalConfig
	Vocab     VocabConfig
	Debug     DebugConfig
}

// BackendConfig locates the recruiting backend.
type BackendConfig struct {
	GraphQLURL string
	UploadURL  string
	TimeoutMS  int
}

// AudioConfig controls preferred and fallback input-source selection.
type AudioConfig struct {
	Input    string
	Fallback string
}

// RecordingConfig controls per-question artifacts.
type RecordingConfig struct {
	Enable        bool
	Formats       []string
	StopTimeoutMS int
}

// ASRConfig controls the Riva endpoints and request-level hints.
type ASRConfig struct {
	Enable               bool
	GRPC                 string
	HTTP                 string
	HealthPath           string
	AutomaticPunctuation bool
	LanguageCode         string
	Model                string
	RestartDelayMS       int
}

// TimerConfig controls the countdown tick.
type TimerConfig struct {
	TickMS int
}

// CueConfig controls candidate notifications and audio cues.
type CueConfig struct {
	Enable         bool
	Backend        string
	DesktopAppName string
	SoundEnable    bool
	TextQuestion   string
	TextExpired    string
	TextComplete   string
	TextError      string
	ErrorTimeoutMS int
}

// ShellConfig controls the local surface the UI shell connects to.
type ShellConfig struct {
	Enable bool
	Listen string
	Launch CommandConfig
}

// JournalConfig controls the local answer journal.
type JournalConfig struct {
	Enable bool
	Path   string
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// VocabConfig controls enabled speech phrase sets and dedupe limits.
type VocabConfig struct {
	GlobalSets []string
	Sets       map[string]VocabSet
	MaxPhrases int
}

// VocabSet is one named phrase group with a shared boost value.
type VocabSet struct {
	Name    string
	Boost   float64
	Phrases []string
}

// DebugConfig controls optional debug artifact output.
type DebugConfig struct {
	EnableAudioDump bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}

// SpeechPhrase is the normalized phrase payload sent to ASR adapters.
type SpeechPhrase struct {
	Phrase string
	Boost  float32
}
