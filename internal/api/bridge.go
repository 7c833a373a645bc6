package api

import (
	"fmt"
	"sync"

	"github.com/RichardoC/kisan-dost/internal/chat"
	"github.com/RichardoC/kisan-dost/internal/speech"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type string `json:"type"`

	// Client to server.
	Language string           `json:"language,omitempty"`
	Text     string           `json:"text,omitempty"`
	Index    *int             `json:"index,omitempty"`
	Voices   []speech.Voice   `json:"voices,omitempty"`
	Event    speech.EventType `json:"event,omitempty"`
	Results  []speech.Result  `json:"results,omitempty"`

	// Server to client.
	State  *chat.State   `json:"state,omitempty"`
	Locale string        `json:"locale,omitempty"`
	Lang   string        `json:"lang,omitempty"`
	Voice  *speech.Voice `json:"voice,omitempty"`

	// Both directions: recognizer or utterance id, and error text.
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	FrameOpen            = "open"
	FrameClose           = "close"
	FrameLanguage        = "language"
	FrameSubmit          = "submit"
	FrameDraft           = "draft"
	FrameRecordStart     = "record.start"
	FrameRecordStop      = "record.stop"
	FrameSpeak           = "speak"
	FrameSpeakStop       = "speak.stop"
	FrameVoices          = "voices"
	FrameRecognition     = "recognition"
	FrameUtteranceEnd    = "utterance.end"
	FrameState           = "state"
	FrameRecognizerStop  = "recognizer.stop"
	FrameRecognizerStart = "recognizer.start"
	FrameSpeakCancel     = "speak.cancel"
	FrameError           = "error"
)

// bridge exposes the browser's SpeechRecognition and speechSynthesis as the
// speech platform. Commands go out as frames; browser events come back through
// recognition and utteranceEnded.
type bridge struct {
	send func(Frame)

	mu          sync.Mutex
	next        int
	recognizers map[string]func(speech.RecognitionEvent)
	utterances  map[string]func()
	voices      []speech.Voice
}

func newBridge(send func(Frame)) *bridge {
	return &bridge{
		send:        send,
		recognizers: make(map[string]func(speech.RecognitionEvent)),
		utterances:  make(map[string]func()),
	}
}

// NewRecognizer is a speech.RecognizerFactory.
func (b *bridge) NewRecognizer(locale string, emit func(speech.RecognitionEvent)) (speech.Recognizer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := fmt.Sprintf("rec-%d", b.next)
	b.recognizers[id] = emit
	return &remoteRecognizer{b: b, id: id, locale: locale}, nil
}

func (b *bridge) recognition(id string, ev speech.RecognitionEvent) bool {
	b.mu.Lock()
	emit, ok := b.recognizers[id]
	b.mu.Unlock()
	if !ok {
		return false
	}
	emit(ev)
	return true
}

func (b *bridge) setVoices(voices []speech.Voice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.voices = append([]speech.Voice(nil), voices...)
}

func (b *bridge) Voices() []speech.Voice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]speech.Voice(nil), b.voices...)
}

func (b *bridge) Speak(u speech.Utterance) error {
	b.mu.Lock()
	if u.OnEnd != nil {
		b.utterances[u.ID] = u.OnEnd
	}
	b.mu.Unlock()

	b.send(Frame{Type: FrameSpeak, ID: u.ID, Text: u.Text, Lang: u.Lang, Voice: u.Voice})
	return nil
}

// Cancel stops playback. Cancelled utterances never report their end.
func (b *bridge) Cancel() {
	b.mu.Lock()
	clear(b.utterances)
	b.mu.Unlock()

	b.send(Frame{Type: FrameSpeakCancel})
}

func (b *bridge) utteranceEnded(id string) bool {
	b.mu.Lock()
	onEnd, ok := b.utterances[id]
	delete(b.utterances, id)
	b.mu.Unlock()
	if !ok {
		return false
	}
	onEnd()
	return true
}

type remoteRecognizer struct {
	b      *bridge
	id     string
	locale string
}

func (r *remoteRecognizer) Start() error {
	r.b.send(Frame{Type: FrameRecognizerStart, ID: r.id, Locale: r.locale})
	return nil
}

func (r *remoteRecognizer) Stop() error {
	r.b.send(Frame{Type: FrameRecognizerStop, ID: r.id})
	return nil
}

// Close forgets the recognizer so late browser events for it are dropped.
func (r *remoteRecognizer) Close() error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	delete(r.b.recognizers, r.id)
	return nil
}
