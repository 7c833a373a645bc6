// Package speech adapts platform speech recognition and synthesis to the chat
// session. Adapters are not safe for concurrent use; the chat manager drives them
// from its event loop.
package speech

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrUnsupported = errors.New("speech is not supported on this platform")
	ErrNotAttached = errors.New("no speech recognizer attached")
)

type EventType string

const (
	EventStart  EventType = "start"
	EventResult EventType = "result"
	EventError  EventType = "error"
	EventEnd    EventType = "end"
)

// Result holds the alternatives for one recognized segment, best first.
type Result []string

// RecognitionEvent is what the platform recognizer reports. Results carries every
// segment recognized so far in the current run.
type RecognitionEvent struct {
	Type    EventType `json:"event"`
	Results []Result  `json:"results,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Recognizer is a platform speech-to-text engine running in continuous,
// interim-results mode for one locale.
type Recognizer interface {
	Start() error
	Stop() error
}

// RecognizerFactory creates a recognizer for locale. The recognizer reports its
// events through emit, from any goroutine.
type RecognizerFactory func(locale string, emit func(RecognitionEvent)) (Recognizer, error)

// Transcript joins the best alternative of every result, in order.
func Transcript(results []Result) string {
	var b strings.Builder
	for _, r := range results {
		if len(r) > 0 {
			b.WriteString(r[0])
		}
	}
	return b.String()
}

// Input is the dictation control. A nil factory means the platform has no
// speech recognition and the control should be hidden.
type Input struct {
	factory RecognizerFactory
	logger  *zap.Logger

	rec       Recognizer
	id        uint64
	locale    string
	recording bool
	// starting is set between Start and the recognizer's start event.
	starting bool
}

func NewInput(factory RecognizerFactory, logger *zap.Logger) *Input {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Input{factory: factory, logger: logger}
}

func (in *Input) Supported() bool { return in.factory != nil }

func (in *Input) Recording() bool { return in.recording }

func (in *Input) Locale() string { return in.locale }

// Attach replaces the current recognizer with a new one for locale. Events are
// passed to emit tagged with the recognizer id so late events from a replaced
// recognizer can be told apart.
func (in *Input) Attach(locale string, emit func(id uint64, ev RecognitionEvent)) error {
	in.Detach()
	if in.factory == nil {
		return ErrUnsupported
	}

	in.id++
	id := in.id
	rec, err := in.factory(locale, func(ev RecognitionEvent) { emit(id, ev) })
	if err != nil {
		return fmt.Errorf("creating recognizer for %s: %w", locale, err)
	}
	in.rec = rec
	in.locale = locale
	in.logger.Info("Speech recognition language set", zap.String("locale", locale))
	return nil
}

// Detach stops and releases the current recognizer.
func (in *Input) Detach() {
	in.recording = false
	in.starting = false
	if in.rec == nil {
		return
	}
	rec := in.rec
	in.rec = nil
	in.locale = ""

	if err := rec.Stop(); err != nil {
		in.logger.Debug("Failed to stop recognizer", zap.Error(err))
	}
	if c, ok := rec.(io.Closer); ok {
		if err := c.Close(); err != nil {
			in.logger.Debug("Failed to close recognizer", zap.Error(err))
		}
	}
}

func (in *Input) Start() error {
	if in.factory == nil {
		return ErrUnsupported
	}
	if in.rec == nil {
		return ErrNotAttached
	}
	if in.recording {
		return nil
	}
	if err := in.rec.Start(); err != nil {
		return fmt.Errorf("starting recognizer: %w", err)
	}
	in.recording = true
	in.starting = true
	return nil
}

func (in *Input) Stop() {
	in.starting = false
	if in.rec == nil || !in.recording {
		in.recording = false
		return
	}
	in.recording = false
	if err := in.rec.Stop(); err != nil {
		in.logger.Debug("Failed to stop recognizer", zap.Error(err))
	}
}

// Apply folds a recognizer event into the input state. For result events it
// returns the transcript that replaces the input buffer. Events from a
// recognizer other than the current one, results arriving after recording
// stopped and start events nobody asked for are ignored.
func (in *Input) Apply(id uint64, ev RecognitionEvent) (string, bool) {
	if in.rec == nil || id != in.id {
		return "", false
	}

	switch ev.Type {
	case EventStart:
		if in.starting {
			in.starting = false
			in.recording = true
		}
	case EventEnd:
		in.recording = false
		in.starting = false
	case EventError:
		in.logger.Warn("Speech recognition error", zap.String("error", ev.Error))
		in.recording = false
		in.starting = false
	case EventResult:
		if !in.recording {
			return "", false
		}
		return Transcript(ev.Results), true
	}
	return "", false
}
