package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RichardoC/kisan-dost/internal/chat"
	"github.com/RichardoC/kisan-dost/internal/speech"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func socketURL(t *testing.T, h *Handler, query string) string {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws" + query
}

func dial(t *testing.T, h *Handler, query string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(socketURL(t, h, query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(f Frame) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(f))
}

// next reads frames until one matches.
func (c *wsClient) next(match func(Frame) bool) Frame {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		var f Frame
		require.NoError(c.t, c.conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func (c *wsClient) state(cond func(chat.State) bool) chat.State {
	c.t.Helper()
	f := c.next(func(f Frame) bool { return f.Type == FrameState && cond(*f.State) })
	return *f.State
}

func ofType(typ string) func(Frame) bool {
	return func(f Frame) bool { return f.Type == typ }
}

func TestChatSocketConversation(t *testing.T) {
	h, database := newTestHandler(t, nil)
	c := dial(t, h, "")

	st := c.state(func(chat.State) bool { return true })
	assert.Equal(t, chat.StatusClosed, st.Status)
	assert.False(t, st.SpeechInputSupported)

	c.send(Frame{Type: FrameOpen})
	st = c.state(func(st chat.State) bool { return st.Status == chat.StatusReady })
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "[en] Hello", st.Messages[0].Content)

	c.send(Frame{Type: FrameSubmit, Text: "onion price in Nashik today"})
	st = c.state(func(st chat.State) bool { return len(st.Messages) == 3 && !st.Busy })
	assert.Equal(t, "price: onion price in Nashik today", st.Messages[2].Content)

	c.send(Frame{Type: FrameSubmit, Text: "how to store onions?"})
	st = c.state(func(st chat.State) bool { return len(st.Messages) == 5 && !st.Busy })
	assert.Equal(t, "[en] Answer in English only. how to store onions?", st.Messages[4].Content)

	conv, err := database.GetTranscript(context.Background(), "en")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 5)
}

func TestChatSocketLanguageIsPersisted(t *testing.T) {
	h, database := newTestHandler(t, nil)
	c := dial(t, h, "")
	c.send(Frame{Type: FrameOpen})
	c.state(func(st chat.State) bool { return st.Status == chat.StatusReady })

	c.send(Frame{Type: FrameLanguage, Language: "kn"})
	st := c.state(func(st chat.State) bool { return st.Language == "kn" && st.Status == chat.StatusReady })
	assert.Equal(t, "[kn] Hello", st.Messages[0].Content)

	value, err := database.GetPreference(context.Background(), languagePreference)
	require.NoError(t, err)
	assert.Equal(t, "kn", value)

	c.send(Frame{Type: FrameLanguage, Language: "klingon"})
	f := c.next(ofType(FrameError))
	assert.Contains(t, f.Error, "unsupported language")

	// A new connection starts in the saved language.
	c2 := dial(t, h, "")
	assert.Equal(t, "kn", string(c2.state(func(chat.State) bool { return true }).Language))
}

func TestChatSocketDictation(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	c := dial(t, h, "?speech=1")
	assert.True(t, c.state(func(chat.State) bool { return true }).SpeechInputSupported)

	c.send(Frame{Type: FrameOpen})
	c.state(func(st chat.State) bool { return st.Status == chat.StatusReady })

	c.send(Frame{Type: FrameRecordStart})
	start := c.next(ofType(FrameRecognizerStart))
	assert.Equal(t, "en-US", start.Locale)
	require.NotEmpty(t, start.ID)

	c.send(Frame{Type: FrameRecognition, ID: start.ID, Event: speech.EventStart})
	c.send(Frame{Type: FrameRecognition, ID: start.ID, Event: speech.EventResult, Results: []speech.Result{{"mandi "}, {"rates"}}})
	st := c.state(func(st chat.State) bool { return st.Draft == "mandi rates" })
	assert.True(t, st.Recording)

	c.send(Frame{Type: FrameRecordStop})
	stop := c.next(ofType(FrameRecognizerStop))
	assert.Equal(t, start.ID, stop.ID)
	c.state(func(st chat.State) bool { return !st.Recording })
}

func TestChatSocketPlayback(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	c := dial(t, h, "")
	c.send(Frame{Type: FrameVoices, Voices: []speech.Voice{{Name: "Google English", Lang: "en-US"}}})
	c.send(Frame{Type: FrameOpen})
	c.state(func(st chat.State) bool { return st.Status == chat.StatusReady })

	index := 0
	c.send(Frame{Type: FrameSpeak, Index: &index})
	f := c.next(ofType(FrameSpeak))
	assert.Equal(t, "[en] Hello", f.Text)
	assert.Equal(t, "en-US", f.Lang)
	require.NotNil(t, f.Voice)
	assert.Equal(t, "Google English", f.Voice.Name)
	c.state(func(st chat.State) bool { return st.SpeakingIndex == 0 })

	c.send(Frame{Type: FrameUtteranceEnd, ID: f.ID})
	c.state(func(st chat.State) bool { return st.SpeakingIndex == -1 })

	bad := 5
	c.send(Frame{Type: FrameSpeak, Index: &bad})
	assert.Equal(t, chat.ErrNoSuchMessage.Error(), c.next(ofType(FrameError)).Error)
}

func TestChatSocketRejectsUnknownFrames(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	c := dial(t, h, "")

	c.send(Frame{Type: "teleport"})
	assert.Contains(t, c.next(ofType(FrameError)).Error, "teleport")

	for _, raw := range []string{`{"type": nope}`, `{"type":"open"`, ``, `{"index":"zero"}`} {
		require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
		assert.Equal(t, "invalid frame", c.next(ofType(FrameError)).Error, raw)
	}

	// The connection survives malformed frames.
	c.send(Frame{Type: FrameOpen})
	c.state(func(st chat.State) bool { return st.Status == chat.StatusReady })

	c.send(Frame{Type: FrameRecordStart})
	assert.Equal(t, speech.ErrUnsupported.Error(), c.next(ofType(FrameError)).Error)
}

func TestChatSocketChecksOrigin(t *testing.T) {
	h, _ := newTestHandler(t, nil, "https://kisandost.example")
	url := socketURL(t, h, "")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"no origin", "", true},
		{"allowed", "https://kisandost.example", true},
		{"same host", "http://" + strings.TrimPrefix(strings.SplitN(url, "/api", 2)[0], "ws://"), true},
		{"cross site", "https://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if !tt.ok {
				require.ErrorIs(t, err, websocket.ErrBadHandshake)
				assert.Equal(t, http.StatusForbidden, resp.StatusCode)
				return
			}
			require.NoError(t, err)
			conn.Close()
		})
	}
}

func TestChatSocketRefusedAfterShutdown(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	url := socketURL(t, h, "")
	c := dial(t, h, "")
	c.state(func(chat.State) bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var netErr net.Error
			assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "socket left open: %v", err)
			break
		}
	}

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
