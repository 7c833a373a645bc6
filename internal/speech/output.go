package speech

import (
	"fmt"
	"strings"

	"github.com/RichardoC/kisan-dost/internal/language"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Voice struct {
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Default bool   `json:"default,omitempty"`
}

// Utterance is one text-to-speech request. Voice is nil when the platform
// default voice should be used. OnEnd is called once when playback finishes
// on its own; it is not called for cancelled utterances.
type Utterance struct {
	ID    string
	Text  string
	Lang  string
	Voice *Voice
	OnEnd func()
}

// Synthesizer is a platform text-to-speech engine with a queue of depth one.
type Synthesizer interface {
	Voices() []Voice
	Speak(u Utterance) error
	Cancel()
}

// SelectVoice picks the voice for locale: an exact match, else the first voice
// whose language starts with the primary subtag ("te" for "te-IN").
func SelectVoice(voices []Voice, locale string) (Voice, bool) {
	for _, v := range voices {
		if v.Lang == locale {
			return v, true
		}
	}
	primary, _, _ := strings.Cut(locale, "-")
	for _, v := range voices {
		if strings.HasPrefix(v.Lang, primary) {
			return v, true
		}
	}
	return Voice{}, false
}

// Output plays model messages aloud, one at a time.
type Output struct {
	synth  Synthesizer
	logger *zap.Logger

	current string
	index   int
}

func NewOutput(synth Synthesizer, logger *zap.Logger) *Output {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Output{synth: synth, logger: logger, index: -1}
}

func (o *Output) Supported() bool { return o.synth != nil }

// SpeakingIndex is the message index being played, or -1.
func (o *Output) SpeakingIndex() int { return o.index }

// Speak cancels whatever is playing and starts text for the message at index.
// onEnd receives the utterance id when it finishes on its own.
func (o *Output) Speak(text string, lang language.Code, index int, onEnd func(id string)) (string, error) {
	if o.synth == nil {
		return "", ErrUnsupported
	}
	o.Stop()

	locale := lang.Locale()
	u := Utterance{ID: uuid.NewString(), Text: text, Lang: locale}
	if v, ok := SelectVoice(o.synth.Voices(), locale); ok {
		u.Voice = &v
		o.logger.Debug("Using voice", zap.String("voice", v.Name), zap.String("locale", locale))
	} else {
		o.logger.Warn("No matching voice found, using default voice", zap.String("locale", locale))
	}
	if onEnd != nil {
		id := u.ID
		u.OnEnd = func() { onEnd(id) }
	}

	if err := o.synth.Speak(u); err != nil {
		return "", fmt.Errorf("speaking message %d: %w", index, err)
	}
	o.current = u.ID
	o.index = index
	return u.ID, nil
}

// Stop cancels playback and clears the speaking index.
func (o *Output) Stop() {
	if o.synth != nil && o.current != "" {
		o.synth.Cancel()
	}
	o.current = ""
	o.index = -1
}

// Ended clears the playback state if id is the utterance still playing.
func (o *Output) Ended(id string) bool {
	if id == "" || id != o.current {
		return false
	}
	o.current = ""
	o.index = -1
	return true
}
