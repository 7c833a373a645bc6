package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/RichardoC/kisan-dost/internal/config"
	"github.com/RichardoC/kisan-dost/internal/language"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zaptest"
)

// scriptedModel answers GenerateContent calls from a queue and records what it was sent.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, msgs)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.replies) == 0 {
		return &llms.ContentResponse{}, nil
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func textOfPart(t *testing.T, mc llms.MessageContent) string {
	t.Helper()
	require.Len(t, mc.Parts, 1)
	part, ok := mc.Parts[0].(llms.TextContent)
	require.True(t, ok)
	return part.Text
}

func newTestService(t *testing.T, model llms.Model) *Service {
	t.Helper()
	prompts, err := DefaultCatalog()
	require.NoError(t, err)
	return NewWithModel(model, prompts, zaptest.NewLogger(t))
}

func TestChatKeepsHistoryOfSuccessfulExchanges(t *testing.T) {
	ctx := context.Background()
	model := &scriptedModel{
		replies: []string{"Namaste!", "Use neem oil."},
		errs:    []error{nil, errors.New("quota"), nil},
	}
	svc := newTestService(t, model)

	chat, err := svc.NewChat(ctx, language.Telugu)
	require.NoError(t, err)
	assert.NotEmpty(t, chat.ID())

	reply, err := chat.Send(ctx, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Namaste!", reply)

	_, err = chat.Send(ctx, "this one fails")
	require.Error(t, err)

	reply, err = chat.Send(ctx, "leaf curl?")
	require.NoError(t, err)
	assert.Equal(t, "Use neem oil.", reply)

	require.Len(t, model.calls, 3)
	last := model.calls[2]
	require.Len(t, last, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, last[0].Role)
	assert.Contains(t, textOfPart(t, last[0]), "communicate in Telugu")
	assert.Equal(t, "Hello", textOfPart(t, last[1]))
	assert.Equal(t, llms.ChatMessageTypeAI, last[2].Role)
	assert.Equal(t, "Namaste!", textOfPart(t, last[2]))
	assert.Equal(t, "leaf curl?", textOfPart(t, last[3]))
}

func TestChatTrimsHistoryToTokenLimit(t *testing.T) {
	ctx := context.Background()
	model := &scriptedModel{replies: []string{"Namaste!", "Use neem oil.", "Yes."}}
	prompts, err := DefaultCatalog()
	require.NoError(t, err)
	svc := NewWithModel(model, prompts, zaptest.NewLogger(t), WithHistoryLimit(20))

	chat, err := svc.NewChat(ctx, language.English)
	require.NoError(t, err)
	for _, text := range []string{"Hello", "leaf curl?", "again?"} {
		_, err := chat.Send(ctx, text)
		require.NoError(t, err)
	}

	require.Len(t, model.calls, 3)
	last := model.calls[2]
	require.Len(t, last, 4)
	assert.Equal(t, "leaf curl?", textOfPart(t, last[1]))
	assert.Equal(t, "Use neem oil.", textOfPart(t, last[2]))
	assert.Equal(t, "again?", textOfPart(t, last[3]))
}

func TestChatEmptyReply(t *testing.T) {
	svc := newTestService(t, &scriptedModel{replies: []string{"   "}})
	chat, err := svc.NewChat(context.Background(), language.English)
	require.NoError(t, err)

	_, err = chat.Send(context.Background(), "Hello")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestHindiUsesHinglishInstruction(t *testing.T) {
	model := &scriptedModel{replies: []string{"Namaste"}}
	svc := newTestService(t, model)
	chat, err := svc.NewChat(context.Background(), language.Hindi)
	require.NoError(t, err)
	_, err = chat.Send(context.Background(), "Hello")
	require.NoError(t, err)

	assert.Contains(t, textOfPart(t, model.calls[0][0]), "Hinglish")
}

func TestLookup(t *testing.T) {
	model := &scriptedModel{replies: []string{"Tomato price in Guntur today: ₹20 per kg."}}
	svc := newTestService(t, model)

	reply, err := svc.Lookup(context.Background(), "tomato price in Guntur", language.Tamil)
	require.NoError(t, err)
	assert.Equal(t, "Tomato price in Guntur today: ₹20 per kg.", reply)

	require.Len(t, model.calls, 1)
	msgs := model.calls[0]
	require.Len(t, msgs, 2)
	assert.Contains(t, textOfPart(t, msgs[0]), "in Tamil only")
	assert.Equal(t, "Answer in Tamil only. tomato price in Guntur", textOfPart(t, msgs[1]))
}

func TestLookupError(t *testing.T) {
	svc := newTestService(t, &scriptedModel{errs: []error{errors.New("boom")}})
	_, err := svc.Lookup(context.Background(), "onion rate at Lasalgaon", language.English)
	assert.Error(t, err)
}

func TestSchemes(t *testing.T) {
	model := &scriptedModel{replies: []string{"PM-KISAN gives ₹6,000 a year."}}
	svc := newTestService(t, model)

	reply, err := svc.Schemes(context.Background(), "money help for small farmers", language.Gujarati)
	require.NoError(t, err)
	assert.Equal(t, "PM-KISAN gives ₹6,000 a year.", reply)

	msgs := model.calls[0]
	require.Len(t, msgs, 2)
	assert.Contains(t, textOfPart(t, msgs[0]), "government agricultural schemes")
	assert.Contains(t, textOfPart(t, msgs[0]), "in Gujarati only")
	assert.Equal(t, "money help for small farmers", textOfPart(t, msgs[1]))
}

func TestWeather(t *testing.T) {
	model := &scriptedModel{replies: []string{"```json\n" + `{
		"location": "Guntur, India",
		"current": {"temp_c": 31.5, "condition": "Sunny", "humidity": 60, "wind_kph": 12},
		"forecast": [{"day": "Monday", "high_c": 33, "low_c": 24, "condition": "Cloudy"}],
		"analysis": "Hot and dry all week."
	}` + "\n```"}}
	svc := newTestService(t, model)

	f, err := svc.Weather(context.Background(), "Guntur", language.English)
	require.NoError(t, err)
	assert.Equal(t, "Guntur, India", f.Location)
	assert.Equal(t, 31.5, f.Current.TempC)
	require.Len(t, f.Days, 1)
	assert.Equal(t, "Monday", f.Days[0].Day)
	assert.Equal(t, "Hot and dry all week.", f.Analysis)

	prompt := textOfPart(t, model.calls[0][0])
	assert.Contains(t, prompt, "following location: Guntur.")
	assert.Contains(t, prompt, `"wind_kph": number`)
}

func TestWeatherMalformed(t *testing.T) {
	svc := newTestService(t, &scriptedModel{replies: []string{"It will rain."}})
	_, err := svc.Weather(context.Background(), "Guntur", language.English)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDiagnose(t *testing.T) {
	model := &scriptedModel{replies: []string{`{"diseaseName": "Leaf curl", "description": "Virus.", ` +
		`"symptoms": ["curled leaves"], "remedies": {"organic": ["neem oil"], "chemical": []}, ` +
		`"fertilizers": [{"name": "Vermicompost", "description": "Builds soil.", "price": "₹300 per bag"}]}`}}
	svc := newTestService(t, model)

	img := Image{MIMEType: "image/png", Data: []byte{1, 2, 3}}
	d, err := svc.Diagnose(context.Background(), img, language.Punjabi)
	require.NoError(t, err)
	assert.Equal(t, "Leaf curl", d.DiseaseName)
	assert.Equal(t, []string{"neem oil"}, d.Remedies.Organic)
	require.Len(t, d.Fertilizers, 1)
	assert.Equal(t, "₹300 per bag", d.Fertilizers[0].Price)

	msg := model.calls[0][0]
	require.Len(t, msg.Parts, 2)
	image, ok := msg.Parts[0].(llms.ImageURLContent)
	require.True(t, ok)
	assert.Equal(t, "data:image/png;base64,AQID", image.URL)
	text, ok := msg.Parts[1].(llms.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "must be in Punjabi")
}

func TestNewImage(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	img, err := NewImage(png)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)

	_, err = NewImage([]byte("just text"))
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestLoadCatalogOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.toml")
	require.NoError(t, os.WriteFile(path, []byte("[prices]\nsystem = \"Only prices, in {{language}}.\"\n"), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "Only prices, in Kannada.", c.PriceInstruction(language.Kannada))
	assert.Contains(t, c.ChatInstruction(language.English), "Kisan Dost")
}

func TestNewBackendLangchainAgainstOpenAICompatibleServer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gemini-2.5-flash",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "Namaste, farmer!"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer srv.Close()

	backend, err := NewBackend(context.Background(), config.GeminiConfig{
		Backend: config.BackendLangchain,
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "gemini-2.5-flash",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	chat, err := backend.NewChat(context.Background(), language.English)
	require.NoError(t, err)
	reply, err := chat.Send(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Namaste, farmer!", reply)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestNewBackendUnknown(t *testing.T) {
	_, err := NewBackend(context.Background(), config.GeminiConfig{Backend: "smoke-signals"}, nil)
	assert.Error(t, err)
}
