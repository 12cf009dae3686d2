package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if err := validateURL("backend.graphql_url", cfg.Backend.GraphQLURL); err != nil {
		return nil, err
	}
	if err := validateURL("backend.upload_url", cfg.Backend.UploadURL); err != nil {
		return nil, err
	}
	if cfg.Backend.TimeoutMS <= 0 {
		return nil, errors.New("backend.timeout_ms must be > 0")
	}
	if cfg.Recording.StopTimeoutMS <= 0 {
		return nil, errors.New("recording.stop_timeout_ms must be > 0")
	}
	if cfg.Timer.TickMS <= 0 {
		return nil, errors.New("timer.tick_ms must be > 0")
	}

	if cfg.ASR.Enable {
		if strings.TrimSpace(cfg.ASR.GRPC) == "" {
			return nil, errors.New("asr.grpc must not be empty")
		}
		if strings.TrimSpace(cfg.ASR.HTTP) == "" {
			return nil, errors.New("asr.http must not be empty")
		}
		if !strings.HasPrefix(strings.TrimSpace(cfg.ASR.HealthPath), "/") {
			return nil, errors.New("asr.health_path must start with '/'")
		}
		if strings.TrimSpace(cfg.ASR.LanguageCode) == "" {
			return nil, errors.New("asr.language_code must not be empty")
		}
	}
	if cfg.ASR.RestartDelayMS < 0 {
		return nil, errors.New("asr.restart_delay_ms must be >= 0")
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Cues.Backend))
	if backend != "desktop" && backend != "none" {
		return nil, errors.New("cues.backend must be one of: desktop, none")
	}
	if cfg.Cues.Enable && backend == "desktop" && strings.TrimSpace(cfg.Cues.DesktopAppName) == "" {
		return nil, errors.New("cues.desktop_app_name must not be empty when cues.backend=desktop")
	}
	if cfg.Cues.ErrorTimeoutMS < 0 {
		return nil, errors.New("cues.error_timeout_ms must be >= 0")
	}

	if cfg.Shell.Enable && strings.TrimSpace(cfg.Shell.Listen) == "" {
		return nil, errors.New("shell.listen must not be empty when shell.enable=true")
	}
	if cfg.Shell.Launch.Raw != "" && len(cfg.Shell.Launch.Argv) == 0 {
		return nil, errors.New("shell.launch_cmd is configured but empty")
	}
	if len(cfg.Shell.Launch.Argv) > 0 && !cfg.Shell.Enable {
		warnings = append(warnings, Warning{Message: "shell.launch_cmd is ignored while shell.enable=false"})
	}

	if cfg.Vocab.MaxPhrases <= 0 {
		return nil, errors.New("vocab.max_phrases must be > 0")
	}
	if !cfg.Recording.Enable && !cfg.ASR.Enable {
		warnings = append(warnings, Warning{Message: "recording and asr are both disabled; answers will be typed only"})
	}

	_, vocabWarnings, err := BuildSpeechPhrases(cfg)
	if err != nil {
		return nil, err
	}
	return append(warnings, vocabWarnings...), nil
}

func validateURL(field string, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", field)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", field)
	}
	return nil
}

// BuildSpeechPhrases merges enabled vocab sets into deterministic ASR phrase payloads.
func BuildSpeechPhrases(cfg Config) ([]SpeechPhrase, []Warning, error) {
	enabledSets := cfg.Vocab.GlobalSets
	if len(enabledSets) == 0 {
		return nil, nil, nil
	}

	type candidate struct {
		boost float64
		from  string
	}

	warnings := make([]Warning, 0)
	selected := make(map[string]candidate)

	for _, name := range enabledSets {
		set, ok := cfg.Vocab.Sets[name]
		if !ok {
			return nil, nil, fmt.Errorf("vocab.global references unknown set %q", name)
		}
		for _, phrase := range set.Phrases {
			phrase = strings.TrimSpace(phrase)
			if phrase == "" {
				continue
			}
			if existing, exists := selected[phrase]; exists {
				if set.Boost > existing.boost {
					warnings = append(warnings, Warning{Message: fmt.Sprintf("phrase %q present in %q and %q; using higher boost %.2f", phrase, existing.from, name, set.Boost)})
					selected[phrase] = candidate{boost: set.Boost, from: name}
				}
				continue
			}
			selected[phrase] = candidate{boost: set.Boost, from: name}
		}
	}

	if len(selected) > cfg.Vocab.MaxPhrases {
		return nil, nil, fmt.Errorf("vocabulary phrase count %d exceeds vocab.max_phrases=%d", len(selected), cfg.Vocab.MaxPhrases)
	}

	phrases := make([]SpeechPhrase, 0, len(selected))
	for phrase, c := range selected {
		phrases = append(phrases, SpeechPhrase{Phrase: phrase, Boost: float32(c.boost)})
	}
	sort.Slice(phrases, func(i, j int) bool {
		return phrases[i].Phrase < phrases[j].Phrase
	})

	return phrases, warnings, nil
}
