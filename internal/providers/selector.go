package providers

import (
	"fmt"
	"slices"
	"strings"
)

// Rule is one entry in a capability's preference list.
type Rule struct {
	Provider   string
	RequireSLM bool // only eligible when small-language-model mode is on
}

// Rules holds the ordered preference list per capability.
type Rules struct {
	Chat          []Rule
	Speech        []Rule
	Transcription []Rule
	SLMMode       bool
}

// DefaultRules returns the built-in preference order.
func DefaultRules(slmMode bool) Rules {
	return Rules{
		Chat:          []Rule{{Provider: HuggingFace, RequireSLM: true}, {Provider: OpenAI}, {Provider: Gemini}},
		Speech:        []Rule{{Provider: HuggingFace, RequireSLM: true}, {Provider: ElevenLabs}, {Provider: OpenAI}},
		Transcription: []Rule{{Provider: Deepgram}, {Provider: OpenAI}},
		SLMMode:       slmMode,
	}
}

// RulesFromPreferences overrides the default order for any capability whose
// list is non-empty. Overridden lists are taken literally: no entry requires
// SLM mode.
func RulesFromPreferences(slmMode bool, chat, speech, transcription []string) (Rules, error) {
	rules := DefaultRules(slmMode)
	var err error
	if rules.Chat, err = overrideRules(rules.Chat, chat); err != nil {
		return Rules{}, err
	}
	if rules.Speech, err = overrideRules(rules.Speech, speech); err != nil {
		return Rules{}, err
	}
	if rules.Transcription, err = overrideRules(rules.Transcription, transcription); err != nil {
		return Rules{}, err
	}
	return rules, nil
}

func overrideRules(def []Rule, names []string) ([]Rule, error) {
	if len(names) == 0 {
		return def, nil
	}
	out := make([]Rule, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if !slices.Contains(Known, n) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, n)
		}
		out = append(out, Rule{Provider: n})
	}
	if len(out) == 0 {
		return def, nil
	}
	return out, nil
}

// Optional interfaces for adapters whose capabilities depend on configuration.
type (
	chatServer   interface{ ServesChat() bool }
	speechServer interface{ ServesSpeech() bool }
)

// Selector resolves each capability to one adapter. Resolution happens once,
// in NewSelector; the result is deterministic for a given registry.
type Selector struct {
	chat   ChatCompleter
	speech SpeechSynthesizer
	stt    Transcriber
}

// NewSelector evaluates rules against the registered adapters.
func NewSelector(rules Rules, registry map[string]Adapter) (*Selector, error) {
	for _, list := range [][]Rule{rules.Chat, rules.Speech, rules.Transcription} {
		for _, r := range list {
			if !slices.Contains(Known, r.Provider) {
				return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, r.Provider)
			}
		}
	}

	s := &Selector{}
	s.chat = pick(rules.Chat, rules.SLMMode, registry, func(a Adapter) (ChatCompleter, bool) {
		c, ok := a.(ChatCompleter)
		if cs, gated := a.(chatServer); ok && gated {
			ok = cs.ServesChat()
		}
		return c, ok
	})
	s.speech = pick(rules.Speech, rules.SLMMode, registry, func(a Adapter) (SpeechSynthesizer, bool) {
		sp, ok := a.(SpeechSynthesizer)
		if ss, gated := a.(speechServer); ok && gated {
			ok = ss.ServesSpeech()
		}
		return sp, ok
	})
	s.stt = pick(rules.Transcription, rules.SLMMode, registry, func(a Adapter) (Transcriber, bool) {
		t, ok := a.(Transcriber)
		return t, ok
	})
	return s, nil
}

func pick[T Adapter](rules []Rule, slmMode bool, registry map[string]Adapter, as func(Adapter) (T, bool)) T {
	var zero T
	for _, r := range rules {
		if r.RequireSLM && !slmMode {
			continue
		}
		a, ok := registry[r.Provider]
		if !ok || a == nil {
			continue
		}
		if t, ok := as(a); ok {
			return t
		}
	}
	return zero
}

func (s *Selector) Chat() (ChatCompleter, error) {
	if s.chat == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoProvider, CapChat)
	}
	return s.chat, nil
}

func (s *Selector) Speech() (SpeechSynthesizer, error) {
	if s.speech == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoProvider, CapSpeech)
	}
	return s.speech, nil
}

func (s *Selector) Transcription() (Transcriber, error) {
	if s.stt == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoProvider, CapTranscription)
	}
	return s.stt, nil
}

// Describe maps each capability to the selected provider name, or "" when
// none is configured.
func (s *Selector) Describe() map[Capability]string {
	out := map[Capability]string{CapChat: "", CapSpeech: "", CapTranscription: ""}
	if s.chat != nil {
		out[CapChat] = s.chat.Name()
	}
	if s.speech != nil {
		out[CapSpeech] = s.speech.Name()
	}
	if s.stt != nil {
		out[CapTranscription] = s.stt.Name()
	}
	return out
}
