// Package chat runs the assistant conversation for one user: the remote chat
// session, the transcript and the speech input and output controls.
//
// A Manager owns all of its state on a single event loop goroutine. Public
// methods run on that loop and return once applied; network calls run on worker
// goroutines and post their completion back to the loop, where results that
// belong to a session that is no longer current are dropped.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/kisan-dost/internal/classifier"
	"github.com/RichardoC/kisan-dost/internal/language"
	"github.com/RichardoC/kisan-dost/internal/llm"
	"github.com/RichardoC/kisan-dost/internal/models"
	"github.com/RichardoC/kisan-dost/internal/speech"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	Greeting        = "Hello"
	ConnectFallback = "Sorry, I'm having trouble connecting right now."
	ReplyFallback   = "Oops, something went wrong. Please try again."

	DefaultRequestTimeout = 30 * time.Second
)

var (
	ErrNotReady      = errors.New("chat session is not open")
	ErrBusy          = errors.New("a message is already being sent")
	ErrNoSuchMessage = errors.New("no model message at that index")
	ErrShutdown      = errors.New("chat manager is shut down")
)

type Status string

const (
	StatusClosed       Status = "closed"
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
)

// State is a snapshot of the manager, safe to hand to other goroutines.
type State struct {
	Status                Status           `json:"status"`
	Language              language.Code    `json:"language"`
	SessionID             string           `json:"session_id,omitempty"`
	Messages              []models.Message `json:"messages"`
	Busy                  bool             `json:"busy"`
	Draft                 string           `json:"draft"`
	Recording             bool             `json:"recording"`
	SpeakingIndex         int              `json:"speaking_index"`
	SpeechInputSupported  bool             `json:"speech_input_supported"`
	SpeechOutputSupported bool             `json:"speech_output_supported"`
}

// TranscriptCache keeps the last transcript per language for other views.
type TranscriptCache interface {
	SaveTranscript(ctx context.Context, lang string, msgs []models.Message) error
}

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithSpeechInput(factory speech.RecognizerFactory) Option {
	return func(m *Manager) { m.recognizers = factory }
}

func WithSpeechOutput(synth speech.Synthesizer) Option {
	return func(m *Manager) { m.synth = synth }
}

func WithTranscriptCache(cache TranscriptCache) Option {
	return func(m *Manager) { m.cache = cache }
}

// WithListener registers fn to receive a fresh State after every change. fn runs
// on the event loop and must not call back into the Manager.
func WithListener(fn func(State)) Option {
	return func(m *Manager) { m.listener = fn }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

func WithLanguage(lang language.Code) Option {
	return func(m *Manager) { m.lang = lang }
}

// session is the remote conversation for one open period and language. Its
// pointer identity tags in-flight requests.
type session struct {
	id   string
	lang language.Code
	chat llm.Chat
}

type Manager struct {
	transport   llm.Transport
	prices      llm.PriceLookup
	recognizers speech.RecognizerFactory
	synth       speech.Synthesizer
	cache       TranscriptCache
	listener    func(State)
	logger      *zap.Logger
	timeout     time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan func()
	done     chan struct{}
	wg       sync.WaitGroup
	shutdown sync.Once

	// Owned by the event loop.
	input    *speech.Input
	output   *speech.Output
	status   Status
	lang     language.Code
	sess     *session
	messages []models.Message
	busy     bool
	draft    string
	changed  chan struct{}
}

func New(transport llm.Transport, prices llm.PriceLookup, opts ...Option) *Manager {
	m := &Manager{
		transport: transport,
		prices:    prices,
		timeout:   DefaultRequestTimeout,
		lang:      language.English,
		status:    StatusClosed,
		events:    make(chan func(), 64),
		done:      make(chan struct{}),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if !m.lang.Valid() {
		m.lang = language.English
	}
	if m.timeout <= 0 {
		m.timeout = DefaultRequestTimeout
	}
	m.input = speech.NewInput(m.recognizers, m.logger)
	m.output = speech.NewOutput(m.synth, m.logger)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.ctx.Done():
			return
		}
	}
}

// do runs fn on the event loop and waits for it.
func (m *Manager) do(fn func()) bool {
	ack := make(chan struct{})
	select {
	case m.events <- func() { fn(); close(ack) }:
	case <-m.done:
		return false
	}
	select {
	case <-ack:
		return true
	case <-m.done:
		return false
	}
}

// post queues fn on the event loop without waiting.
func (m *Manager) post(fn func()) {
	select {
	case m.events <- fn:
	case <-m.done:
	}
}

func (m *Manager) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, m.timeout)
}

// Open starts a new session in the current language. It does nothing if a
// session is already open.
func (m *Manager) Open() error {
	if !m.do(m.open) {
		return ErrShutdown
	}
	return nil
}

func (m *Manager) open() {
	if m.status != StatusClosed {
		return
	}
	m.attachInput()
	m.startSession()
	m.notify()
}

// Close discards the session and transcript and releases the speech controls.
func (m *Manager) Close() {
	m.do(m.close)
}

func (m *Manager) close() {
	if m.status == StatusClosed {
		return
	}
	m.input.Detach()
	m.output.Stop()
	m.logger.Info("Closed chat session", zap.String("session_id", m.sessionID()))
	m.sess = nil
	m.messages = nil
	m.busy = false
	m.draft = ""
	m.status = StatusClosed
	m.notify()
}

// SetLanguage switches the conversation language. An open session is thrown
// away and a new one is started, with the recognizer moved to the new locale.
func (m *Manager) SetLanguage(lang language.Code) error {
	if !lang.Valid() {
		return language.ErrUnsupported
	}
	if !m.do(func() { m.setLanguage(lang) }) {
		return ErrShutdown
	}
	return nil
}

func (m *Manager) setLanguage(lang language.Code) {
	if lang == m.lang {
		return
	}
	m.lang = lang
	if m.status != StatusClosed {
		m.output.Stop()
		m.attachInput()
		m.startSession()
	}
	m.notify()
}

func (m *Manager) attachInput() {
	if !m.input.Supported() {
		return
	}
	if err := m.input.Attach(m.lang.Locale(), m.recognitionEvent); err != nil {
		m.logger.Warn("Failed to attach speech recognizer", zap.Error(err))
	}
}

func (m *Manager) startSession() {
	if m.sess != nil {
		m.logger.Info("Discarding chat session", zap.String("session_id", m.sess.id))
	}
	s := &session{id: uuid.NewString(), lang: m.lang}
	m.sess = s
	m.status = StatusInitializing
	m.messages = nil
	m.busy = false

	m.logger.Info("Starting chat session",
		zap.String("session_id", s.id),
		zap.String("language", string(s.lang)))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := m.requestContext()
		defer cancel()

		c, err := m.transport.NewChat(ctx, s.lang)
		if err != nil {
			c = nil
		}
		var reply string
		if err == nil {
			reply, err = c.Send(ctx, Greeting)
		}
		m.post(func() { m.finishStart(s, c, reply, err) })
	}()
}

func (m *Manager) finishStart(s *session, c llm.Chat, reply string, err error) {
	if s != m.sess {
		m.logger.Info("Discarding stale response", zap.String("session_id", s.id))
		return
	}
	s.chat = c
	if err != nil {
		m.logger.Error("Failed to initialize chat", zap.String("session_id", s.id), zap.Error(err))
		reply = ConnectFallback
	}
	m.messages = []models.Message{{Role: models.RoleModel, Content: reply}}
	m.status = StatusReady
	m.saveTranscript()
	m.notify()
}

// Submit sends text to the assistant. It reports false, without changing
// anything, when text is blank, no session is ready or a message is already in
// flight. Otherwise the user message is in the transcript when Submit returns
// and exactly one reply follows.
func (m *Manager) Submit(text string) bool {
	var ok bool
	m.do(func() { ok = m.submit(text) })
	return ok
}

func (m *Manager) submit(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || m.sess == nil || m.status != StatusReady || m.busy {
		return false
	}

	m.input.Stop()
	m.draft = ""
	m.messages = append(m.messages, models.Message{Role: models.RoleUser, Content: text})
	m.busy = true

	s := m.sess
	price := classifier.IsPriceQuery(text)
	m.logger.Debug("Submitting message",
		zap.String("session_id", s.id),
		zap.Bool("price_query", price))
	m.notify()

	m.wg.Add(1)
	go m.send(s, s.chat, text, price)
	return true
}

func (m *Manager) send(s *session, c llm.Chat, text string, price bool) {
	defer m.wg.Done()
	ctx, cancel := m.requestContext()
	defer cancel()

	var (
		reply   string
		created llm.Chat
		err     error
	)
	if price {
		reply, err = m.prices.Lookup(ctx, text, s.lang)
	} else {
		if c == nil {
			c, err = m.transport.NewChat(ctx, s.lang)
			if err == nil {
				created = c
			}
		}
		if err == nil {
			reply, err = c.Send(ctx, s.lang.Directive()+" "+text)
		}
	}
	m.post(func() { m.finishSubmit(s, created, reply, err) })
}

func (m *Manager) finishSubmit(s *session, created llm.Chat, reply string, err error) {
	if s != m.sess {
		m.logger.Info("Discarding stale response", zap.String("session_id", s.id))
		return
	}
	if created != nil && s.chat == nil {
		s.chat = created
	}
	m.busy = false
	if err != nil {
		m.logger.Error("Failed to get reply", zap.String("session_id", s.id), zap.Error(err))
		reply = ReplyFallback
	}
	m.messages = append(m.messages, models.Message{Role: models.RoleModel, Content: reply})
	m.saveTranscript()
	m.notify()
}

// SetDraft replaces the input buffer, as typing does.
func (m *Manager) SetDraft(text string) {
	m.do(func() {
		m.draft = text
		m.notify()
	})
}

// StartRecording starts dictation into the input buffer.
func (m *Manager) StartRecording() error {
	var err error
	if !m.do(func() { err = m.startRecording() }) {
		return ErrShutdown
	}
	return err
}

func (m *Manager) startRecording() error {
	if !m.input.Supported() {
		return speech.ErrUnsupported
	}
	if m.status == StatusClosed {
		return ErrNotReady
	}
	if m.busy {
		return ErrBusy
	}
	m.draft = ""
	if err := m.input.Start(); err != nil {
		return err
	}
	m.notify()
	return nil
}

func (m *Manager) StopRecording() {
	m.do(func() {
		m.input.Stop()
		m.notify()
	})
}

func (m *Manager) recognitionEvent(id uint64, ev speech.RecognitionEvent) {
	m.post(func() {
		if draft, ok := m.input.Apply(id, ev); ok {
			m.draft = draft
		}
		m.notify()
	})
}

// Speak reads the model message at index aloud, replacing any playback.
func (m *Manager) Speak(index int) error {
	var err error
	if !m.do(func() { err = m.speak(index) }) {
		return ErrShutdown
	}
	return err
}

func (m *Manager) speak(index int) error {
	if index < 0 || index >= len(m.messages) || m.messages[index].Role != models.RoleModel {
		return ErrNoSuchMessage
	}
	if _, err := m.output.Speak(m.messages[index].Content, m.lang, index, m.utteranceEnded); err != nil {
		m.notify()
		return err
	}
	m.notify()
	return nil
}

func (m *Manager) utteranceEnded(id string) {
	m.post(func() {
		if m.output.Ended(id) {
			m.notify()
		}
	})
}

func (m *Manager) StopSpeaking() {
	m.do(func() {
		m.output.Stop()
		m.notify()
	})
}

func (m *Manager) State() State {
	var st State
	m.do(func() { st = m.snapshot() })
	return st
}

// Wait blocks until cond holds for the current state.
func (m *Manager) Wait(ctx context.Context, cond func(State) bool) (State, error) {
	for {
		var (
			st      State
			changed <-chan struct{}
		)
		if !m.do(func() { st, changed = m.snapshot(), m.changed }) {
			return st, ErrShutdown
		}
		if cond(st) {
			return st, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return st, ctx.Err()
		case <-m.done:
			return st, ErrShutdown
		}
	}
}

// Shutdown releases the speech controls, stops the event loop and waits for
// outstanding requests, which are cancelled.
func (m *Manager) Shutdown() {
	m.shutdown.Do(func() {
		m.do(func() {
			m.input.Detach()
			m.output.Stop()
		})
		m.cancel()
		<-m.done
		m.wg.Wait()
	})
}

func (m *Manager) sessionID() string {
	if m.sess == nil {
		return ""
	}
	return m.sess.id
}

func (m *Manager) snapshot() State {
	msgs := make([]models.Message, len(m.messages))
	copy(msgs, m.messages)
	return State{
		Status:                m.status,
		Language:              m.lang,
		SessionID:             m.sessionID(),
		Messages:              msgs,
		Busy:                  m.busy,
		Draft:                 m.draft,
		Recording:             m.input.Recording(),
		SpeakingIndex:         m.output.SpeakingIndex(),
		SpeechInputSupported:  m.input.Supported(),
		SpeechOutputSupported: m.output.Supported(),
	}
}

func (m *Manager) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
	if m.listener != nil {
		m.listener(m.snapshot())
	}
}

func (m *Manager) saveTranscript() {
	if m.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	if err := m.cache.SaveTranscript(ctx, string(m.lang), m.messages); err != nil {
		m.logger.Warn("Failed to cache transcript", zap.Error(err))
	}
}
