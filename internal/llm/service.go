package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/RichardoC/kisan-dost/internal/language"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/memory"
	"go.uber.org/zap"
)

// Service is a Backend on top of any langchaingo model. The default setup points
// the OpenAI client at Gemini's OpenAI-compatible endpoint.
type Service struct {
	llm     llms.Model
	prompts *Catalog
	logger  *zap.Logger
	history historyOptions
}

func New(baseURL, token, model string, prompts *Catalog, logger *zap.Logger, opts ...Option) (*Service, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return NewWithModel(llm, prompts, logger, opts...), nil
}

func NewWithModel(model llms.Model, prompts *Catalog, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{llm: model, prompts: prompts, logger: logger, history: newHistoryOptions(logger, opts)}
}

func (s *Service) NewChat(ctx context.Context, lang language.Code) (Chat, error) {
	c := &langchainChat{
		id:      uuid.NewString(),
		model:   s.llm,
		system:  s.prompts.ChatInstruction(lang),
		history: memory.NewChatMessageHistory(),
		limit:   s.history.limit,
		tokens:  s.history.tokens,
		logger:  s.logger,
	}
	s.logger.Debug("Created chat", zap.String("chat_id", c.id), zap.String("language", string(lang)))
	return c, nil
}

func (s *Service) Lookup(ctx context.Context, query string, lang language.Code) (string, error) {
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, s.prompts.PriceInstruction(lang)),
		llms.TextParts(llms.ChatMessageTypeHuman, lang.Directive()+" "+query),
	}
	text, err := generate(ctx, s.llm, msgs)
	if err != nil {
		return "", fmt.Errorf("price lookup: %w", err)
	}
	return text, nil
}

func (s *Service) Schemes(ctx context.Context, query string, lang language.Code) (string, error) {
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, s.prompts.SchemesInstruction(lang)),
		llms.TextParts(llms.ChatMessageTypeHuman, query),
	}
	text, err := generate(ctx, s.llm, msgs)
	if err != nil {
		return "", fmt.Errorf("scheme lookup: %w", err)
	}
	return text, nil
}

func (s *Service) Weather(ctx context.Context, location string, lang language.Code) (*Forecast, error) {
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, s.prompts.WeatherPrompt(location, lang)+"\n\n"+forecastShape),
	}
	var f Forecast
	if err := s.generateJSON(ctx, msgs, &f); err != nil {
		return nil, fmt.Errorf("weather forecast: %w", err)
	}
	return &f, nil
}

func (s *Service) Diagnose(ctx context.Context, image Image, lang language.Code) (*Diagnosis, error) {
	dataURL := "data:" + image.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(image.Data)
	msgs := []llms.MessageContent{{
		Role: llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{
			llms.ImageURLPart(dataURL),
			llms.TextPart(s.prompts.DiagnosisPrompt(lang) + "\n\n" + diagnosisShape),
		},
	}}
	var d Diagnosis
	if err := s.generateJSON(ctx, msgs, &d); err != nil {
		return nil, fmt.Errorf("crop diagnosis: %w", err)
	}
	return &d, nil
}

func (s *Service) generateJSON(ctx context.Context, msgs []llms.MessageContent, v any) error {
	text, err := generate(ctx, s.llm, msgs, llms.WithJSONMode())
	if err != nil {
		return err
	}
	return decodeJSON(text, v)
}

// The OpenAI-compatible endpoint takes no response schema, so the shape is
// spelled out in the prompt.
const (
	forecastShape = `Reply with one JSON object of this shape: {"location": string, "current": {"temp_c": number, ` +
		`"condition": string, "humidity": number, "wind_kph": number}, "forecast": [{"day": string, "high_c": number, ` +
		`"low_c": number, "condition": string}], "analysis": string, "error": string or null}`
	diagnosisShape = `Reply with one JSON object of this shape: {"diseaseName": string, "description": string, ` +
		`"symptoms": [string], "remedies": {"organic": [string], "chemical": [string]}, "fertilizers": [{"name": string, ` +
		`"description": string, "price": string}], "error": string or null}`
)

type langchainChat struct {
	id      string
	model   llms.Model
	system  string
	history *memory.ChatMessageHistory
	limit   int
	tokens  *Tokenizer
	logger  *zap.Logger

	mu sync.Mutex
}

func (c *langchainChat) ID() string { return c.id }

func (c *langchainChat) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	past, err := c.history.Messages(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read chat history: %w", err)
	}

	msgs := make([]llms.MessageContent, 0, len(past)+2)
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, c.system))
	for _, m := range past {
		msgs = append(msgs, llms.TextParts(m.GetType(), m.GetContent()))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, text))

	reply, err := generate(ctx, c.model, msgs)
	if err != nil {
		return "", err
	}

	if err := c.history.AddUserMessage(ctx, text); err != nil {
		return "", fmt.Errorf("failed to record user message: %w", err)
	}
	if err := c.history.AddAIMessage(ctx, reply); err != nil {
		return "", fmt.Errorf("failed to record model reply: %w", err)
	}
	if err := c.trim(ctx); err != nil {
		return "", err
	}
	return reply, nil
}

// trim drops the oldest exchanges until the history fits the token limit.
func (c *langchainChat) trim(ctx context.Context) error {
	msgs, err := c.history.Messages(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chat history: %w", err)
	}
	sizes := make([]int, len(msgs)/2)
	for i := range sizes {
		sizes[i] = c.tokens.Count(msgs[2*i].GetContent()) + c.tokens.Count(msgs[2*i+1].GetContent())
	}
	keep := keepRecent(sizes, c.limit)
	if keep == len(sizes) {
		return nil
	}
	drop := 2 * (len(sizes) - keep)
	c.logger.Debug("Trimmed chat history",
		zap.String("chat_id", c.id),
		zap.Int("dropped", drop),
		zap.Int("kept", len(msgs)-drop))
	return c.history.SetMessages(ctx, append([]llms.ChatMessage(nil), msgs[drop:]...))
}

func generate(ctx context.Context, model llms.Model, msgs []llms.MessageContent, opts ...llms.CallOption) (string, error) {
	resp, err := model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
