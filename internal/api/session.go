package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/RichardoC/kisan-dost/internal/chat"
	"github.com/RichardoC/kisan-dost/internal/language"
	"github.com/RichardoC/kisan-dost/internal/speech"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	outboundFrames = 256
)

// socketSession is one browser tab: a chat manager driven by websocket frames.
type socketSession struct {
	id      string
	conn    *websocket.Conn
	h       *Handler
	logger  *zap.Logger
	out     chan Frame
	done    chan struct{}
	bridge  *bridge
	manager *chat.Manager
}

// ChatSocket upgrades to a websocket carrying one chat session. The query
// parameter speech=1 declares that the browser can recognize speech.
func (h *Handler) ChatSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	s := &socketSession{
		id:   uuid.NewString(),
		conn: conn,
		h:    h,
		out:  make(chan Frame, outboundFrames),
		done: make(chan struct{}),
	}
	s.logger = h.logger.With(zap.String("socket_id", s.id))
	s.bridge = newBridge(s.send)

	opts := []chat.Option{
		chat.WithLogger(s.logger),
		chat.WithLanguage(h.preferredLanguage(r.Context())),
		chat.WithRequestTimeout(h.chat.RequestTimeout),
		chat.WithSpeechOutput(s.bridge),
		chat.WithTranscriptCache(h.db),
		chat.WithListener(s.pushState),
	}
	if r.URL.Query().Get("speech") == "1" {
		opts = append(opts, chat.WithSpeechInput(s.bridge.NewRecognizer))
	}
	s.manager = chat.New(h.backend, h.backend, opts...)

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		s.manager.Shutdown()
		conn.Close()
		return
	}
	h.sockets[s.id] = s
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sockets, s.id)
		h.mu.Unlock()
	}()

	s.logger.Info("Chat socket connected", zap.String("remote", r.RemoteAddr))
	s.serve()
}

func (s *socketSession) serve() {
	written := make(chan error, 1)
	go func() { written <- s.writeLoop() }()

	st := s.manager.State()
	s.send(Frame{Type: FrameState, State: &st})

	readErr := s.readLoop()

	s.manager.Shutdown()
	close(s.done)
	err := multierr.Combine(closeErr(readErr), <-written, s.conn.Close())
	if err != nil {
		s.logger.Warn("Chat socket closed with errors", zap.Error(err))
		return
	}
	s.logger.Info("Chat socket closed")
}

func closeErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	return err
}

func (s *socketSession) readLoop() error {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Debug("Malformed frame", zap.Error(err))
			s.send(Frame{Type: FrameError, Error: "invalid frame"})
			continue
		}
		if err := s.dispatch(f); err != nil {
			s.logger.Debug("Frame rejected", zap.String("type", f.Type), zap.Error(err))
			s.send(Frame{Type: FrameError, Error: err.Error()})
		}
	}
}

func (s *socketSession) writeLoop() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				return fmt.Errorf("writing %s frame: %w", f.Type, err)
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("sending ping: %w", err)
			}
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return nil
		}
	}
}

// send queues f for the writer. It never blocks; the manager calls it from its
// event loop.
func (s *socketSession) send(f Frame) {
	select {
	case s.out <- f:
	case <-s.done:
	default:
		s.logger.Warn("Dropping outbound frame, client too slow", zap.String("type", f.Type))
	}
}

func (s *socketSession) pushState(st chat.State) {
	s.send(Frame{Type: FrameState, State: &st})
}

func (s *socketSession) dispatch(f Frame) error {
	m := s.manager
	switch f.Type {
	case FrameOpen:
		return m.Open()
	case FrameClose:
		m.Close()
	case FrameLanguage:
		code, err := language.Parse(f.Language)
		if err != nil {
			return err
		}
		if err := m.SetLanguage(code); err != nil {
			return err
		}
		if err := s.h.saveLanguage(context.Background(), code); err != nil {
			return errors.New("failed to save language")
		}
	case FrameSubmit:
		if !m.Submit(f.Text) {
			s.logger.Debug("Submission ignored")
		}
	case FrameDraft:
		m.SetDraft(f.Text)
	case FrameRecordStart:
		return m.StartRecording()
	case FrameRecordStop:
		m.StopRecording()
	case FrameSpeak:
		if f.Index == nil {
			return errors.New("speak needs an index")
		}
		return m.Speak(*f.Index)
	case FrameSpeakStop:
		m.StopSpeaking()
	case FrameVoices:
		s.bridge.setVoices(f.Voices)
	case FrameRecognition:
		ev := speech.RecognitionEvent{Type: f.Event, Results: f.Results, Error: f.Error}
		if !s.bridge.recognition(f.ID, ev) {
			s.logger.Debug("Dropping event for unknown recognizer", zap.String("id", f.ID))
		}
	case FrameUtteranceEnd:
		s.bridge.utteranceEnded(f.ID)
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}
