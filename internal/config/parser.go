package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

type yamlConfig struct {
	Backend   *yamlBackend   `yaml:"backend"`
	Audio     *yamlAudio     `yaml:"audio"`
	Recording *yamlRecording `yaml:"recording"`
	ASR       *yamlASR       `yaml:"asr"`
	Timer     *yamlTimer     `yaml:"timer"`
	Cues      *yamlCues      `yaml:"cues"`
	Shell     *yamlShell     `yaml:"shell"`
	Journal   *yamlJournal   `yaml:"journal"`
	Vocab     *yamlVocab     `yaml:"vocab"`
	Debug     *yamlDebug     `yaml:"debug"`
}

type yamlBackend struct {
	GraphQLURL *string `yaml:"graphql_url"`
	UploadURL  *string `yaml:"upload_url"`
	TimeoutMS  *int    `yaml:"timeout_ms"`
}

type yamlAudio struct {
	Input    *string `yaml:"input"`
	Fallback *string `yaml:"fallback"`
}

type yamlRecording struct {
	Enable        *bool           `yaml:"enable"`
	Formats       *yamlStringList `yaml:"formats"`
	StopTimeoutMS *int            `yaml:"stop_timeout_ms"`
}

type yamlASR struct {
	Enable               *bool   `yaml:"enable"`
	GRPC                 *string `yaml:"grpc"`
	HTTP                 *string `yaml:"http"`
	HealthPath           *string `yaml:"health_path"`
	AutomaticPunctuation *bool   `yaml:"automatic_punctuation"`
	LanguageCode         *string `yaml:"language_code"`
	Model                *string `yaml:"model"`
	RestartDelayMS       *int    `yaml:"restart_delay_ms"`
}

type yamlTimer struct {
	TickMS *int `yaml:"tick_ms"`
}

type yamlCues struct {
	Enable         *bool   `yaml:"enable"`
	Backend        *string `yaml:"backend"`
	DesktopAppName *string `yaml:"desktop_app_name"`
	SoundEnable    *bool   `yaml:"sound_enable"`
	TextQuestion   *string `yaml:"text_question"`
	TextExpired    *string `yaml:"text_expired"`
	TextComplete   *string `yaml:"text_complete"`
	TextError      *string `yaml:"text_error"`
	ErrorTimeoutMS *int    `yaml:"error_timeout_ms"`
}

type yamlShell struct {
	Enable *bool   `yaml:"enable"`
	Listen *string `yaml:"listen"`
	Launch *string `yaml:"launch_cmd"`
}

type yamlJournal struct {
	Enable *bool   `yaml:"enable"`
	Path   *string `yaml:"path"`
}

type yamlVocab struct {
	Global     *yamlStringList         `yaml:"global"`
	MaxPhrases *int                    `yaml:"max_phrases"`
	Sets       map[string]yamlVocabSet `yaml:"sets"`
}

type yamlVocabSet struct {
	Boost   *float64 `yaml:"boost"`
	Phrases []string `yaml:"phrases"`
}

type yamlDebug struct {
	AudioDump *bool `yaml:"audio_dump"`
}

// yamlStringList accepts a sequence or a comma-delimited scalar.
type yamlStringList []string

func (l *yamlStringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	case yaml.ScalarNode:
		out := make([]string, 0)
		for _, part := range strings.Split(node.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("line %d: expected string list or comma-delimited string", node.Line)
	}
}

// Parse overlays YAML content onto base and validates the result. Unknown keys are errors.
func Parse(content string, base Config) (Config, []Warning, error) {
	if strings.TrimSpace(content) == "" {
		warnings, err := Validate(base)
		if err != nil {
			return Config{}, nil, err
		}
		return base, warnings, nil
	}

	decoder := yaml.NewDecoder(strings.NewReader(content))
	decoder.KnownFields(true)

	var payload yamlConfig
	if err := decoder.Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return Parse("", base)
		}
		return Config{}, nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	var extra yamlConfig
	if err := decoder.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, nil, errors.New("invalid config yaml: multiple documents are not supported")
	}

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(content), &root); err != nil {
		return Config{}, nil, fmt.Errorf("invalid config yaml: %w", err)
	}

	cfg := base
	warnings, err := payload.applyTo(&cfg, &root)
	if err != nil {
		return Config{}, nil, err
	}

	validated, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, append(warnings, validated...), nil
}

func (payload yamlConfig) applyTo(cfg *Config, root *yaml.Node) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if p := payload.Backend; p != nil {
		setString(&cfg.Backend.GraphQLURL, p.GraphQLURL)
		setString(&cfg.Backend.UploadURL, p.UploadURL)
		setInt(&cfg.Backend.TimeoutMS, p.TimeoutMS)
	}

	if p := payload.Audio; p != nil {
		setString(&cfg.Audio.Input, p.Input)
		setString(&cfg.Audio.Fallback, p.Fallback)
	}

	if p := payload.Recording; p != nil {
		setBool(&cfg.Recording.Enable, p.Enable)
		setInt(&cfg.Recording.StopTimeoutMS, p.StopTimeoutMS)
		if p.Formats != nil {
			cfg.Recording.Formats = cleanList(*p.Formats)
			if len(cfg.Recording.Formats) == 0 {
				warnings = append(warnings, Warning{
					Line:    lineOf(root, "recording", "formats"),
					Message: "recording.formats is empty; using defaults",
				})
				cfg.Recording.Formats = append([]string(nil), DefaultFormats...)
			}
		}
	}

	if p := payload.ASR; p != nil {
		setBool(&cfg.ASR.Enable, p.Enable)
		setString(&cfg.ASR.GRPC, p.GRPC)
		setString(&cfg.ASR.HTTP, p.HTTP)
		setString(&cfg.ASR.HealthPath, p.HealthPath)
		setBool(&cfg.ASR.AutomaticPunctuation, p.AutomaticPunctuation)
		setString(&cfg.ASR.LanguageCode, p.LanguageCode)
		setString(&cfg.ASR.Model, p.Model)
		setInt(&cfg.ASR.RestartDelayMS, p.RestartDelayMS)
	}

	if p := payload.Timer; p != nil {
		setInt(&cfg.Timer.TickMS, p.TickMS)
	}

	if p := payload.Cues; p != nil {
		setBool(&cfg.Cues.Enable, p.Enable)
		setString(&cfg.Cues.Backend, p.Backend)
		setString(&cfg.Cues.DesktopAppName, p.DesktopAppName)
		setBool(&cfg.Cues.SoundEnable, p.SoundEnable)
		setString(&cfg.Cues.TextQuestion, p.TextQuestion)
		setString(&cfg.Cues.TextExpired, p.TextExpired)
		setString(&cfg.Cues.TextComplete, p.TextComplete)
		setString(&cfg.Cues.TextError, p.TextError)
		setInt(&cfg.Cues.ErrorTimeoutMS, p.ErrorTimeoutMS)
	}

	if p := payload.Shell; p != nil {
		setBool(&cfg.Shell.Enable, p.Enable)
		setString(&cfg.Shell.Listen, p.Listen)
		if p.Launch != nil {
			argv, err := parseArgv(*p.Launch)
			if err != nil {
				return nil, fmt.Errorf("invalid shell.launch_cmd: %w", err)
			}
			cfg.Shell.Launch = CommandConfig{Raw: *p.Launch, Argv: argv}
		}
	}

	if p := payload.Journal; p != nil {
		setBool(&cfg.Journal.Enable, p.Enable)
		setString(&cfg.Journal.Path, p.Path)
	}

	if p := payload.Vocab; p != nil {
		if p.Global != nil {
			cfg.Vocab.GlobalSets = cleanList(*p.Global)
		}
		setInt(&cfg.Vocab.MaxPhrases, p.MaxPhrases)
		if p.Sets != nil && cfg.Vocab.Sets == nil {
			cfg.Vocab.Sets = make(map[string]VocabSet)
		}
		for name, set := range p.Sets {
			trimmed := strings.TrimSpace(name)
			if trimmed == "" {
				return nil, errors.New("vocab.sets contains an empty set name")
			}
			entry := VocabSet{Name: trimmed, Phrases: append([]string(nil), set.Phrases...)}
			if set.Boost != nil {
				entry.Boost = *set.Boost
			}
			if len(entry.Phrases) == 0 {
				warnings = append(warnings, Warning{
					Line:    lineOf(root, "vocab", "sets", name),
					Message: fmt.Sprintf("vocab set %q has no phrases", trimmed),
				})
			}
			cfg.Vocab.Sets[trimmed] = entry
		}
	}

	if p := payload.Debug; p != nil {
		setBool(&cfg.Debug.EnableAudioDump, p.AudioDump)
	}

	return warnings, nil
}

// lineOf walks mapping keys from the document root and returns the line of the last key, or 0.
func lineOf(root *yaml.Node, path ...string) int {
	node := root
	if node != nil && node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	line := 0
	for _, key := range path {
		if node == nil || node.Kind != yaml.MappingNode {
			return line
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == key {
				line = node.Content[i].Line
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return line
		}
		node = next
	}
	return line
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
