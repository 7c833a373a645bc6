package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/RichardoC/kisan-dost/internal/language"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GenAIService is a Backend using Gemini chat sessions directly, on either the
// Gemini API or Vertex AI.
type GenAIService struct {
	client  *genai.Client
	model   string
	prompts *Catalog
	logger  *zap.Logger
	history historyOptions
}

func NewGenAI(ctx context.Context, cc *genai.ClientConfig, model string, prompts *Catalog, logger *zap.Logger, opts ...Option) (*GenAIService, error) {
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenAIService{
		client:  client,
		model:   model,
		prompts: prompts,
		logger:  logger,
		history: newHistoryOptions(logger, opts),
	}, nil
}

func (s *GenAIService) NewChat(ctx context.Context, lang language.Code) (Chat, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(s.prompts.ChatInstruction(lang), genai.RoleUser),
	}
	chat, err := s.client.Chats.Create(ctx, s.model, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("creating genai chat: %w", err)
	}
	c := &genaiChat{id: uuid.NewString(), chat: chat, cfg: cfg, s: s}
	s.logger.Debug("Created chat", zap.String("chat_id", c.id), zap.String("language", string(lang)))
	return c, nil
}

func (s *GenAIService) Lookup(ctx context.Context, query string, lang language.Code) (string, error) {
	text, err := s.generate(ctx, s.prompts.PriceInstruction(lang), lang.Directive()+" "+query)
	if err != nil {
		return "", fmt.Errorf("price lookup: %w", err)
	}
	return text, nil
}

func (s *GenAIService) Schemes(ctx context.Context, query string, lang language.Code) (string, error) {
	text, err := s.generate(ctx, s.prompts.SchemesInstruction(lang), query)
	if err != nil {
		return "", fmt.Errorf("scheme lookup: %w", err)
	}
	return text, nil
}

func (s *GenAIService) generate(ctx context.Context, system, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	}
	res, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", err
	}
	return textOf(res)
}

func (s *GenAIService) Weather(ctx context.Context, location string, lang language.Code) (*Forecast, error) {
	var f Forecast
	contents := genai.Text(s.prompts.WeatherPrompt(location, lang))
	if err := s.generateJSON(ctx, contents, forecastSchema, &f); err != nil {
		return nil, fmt.Errorf("weather forecast: %w", err)
	}
	return &f, nil
}

func (s *GenAIService) Diagnose(ctx context.Context, image Image, lang language.Code) (*Diagnosis, error) {
	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(image.Data, image.MIMEType),
		genai.NewPartFromText(s.prompts.DiagnosisPrompt(lang)),
	}, genai.RoleUser)}

	var d Diagnosis
	if err := s.generateJSON(ctx, contents, diagnosisSchema, &d); err != nil {
		return nil, fmt.Errorf("crop diagnosis: %w", err)
	}
	return &d, nil
}

func (s *GenAIService) generateJSON(ctx context.Context, contents []*genai.Content, schema *genai.Schema, v any) error {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	}
	res, err := s.client.Models.GenerateContent(ctx, s.model, contents, cfg)
	if err != nil {
		return err
	}
	text, err := textOf(res)
	if err != nil {
		return err
	}
	return decodeJSON(text, v)
}

var (
	nullable = genai.Ptr(true)

	stringList = &genai.Schema{Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}}

	forecastSchema = &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"location": {Type: genai.TypeString, Description: "The city and country of the forecast, e.g., 'Bengaluru, India'."},
			"current": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"temp_c":    {Type: genai.TypeNumber, Description: "Current temperature in Celsius."},
					"condition": {Type: genai.TypeString, Description: "A one or two word description of the weather, e.g. 'Sunny'."},
					"humidity":  {Type: genai.TypeNumber, Description: "Humidity percentage, from 0 to 100."},
					"wind_kph":  {Type: genai.TypeNumber, Description: "Wind speed in kilometers per hour."},
				},
			},
			"forecast": {
				Type:        genai.TypeArray,
				Description: "A 5-day weather forecast.",
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"day":       {Type: genai.TypeString, Description: "The day of the week, in the requested language."},
						"high_c":    {Type: genai.TypeNumber, Description: "Maximum temperature for the day in Celsius."},
						"low_c":     {Type: genai.TypeNumber, Description: "Minimum temperature for the day in Celsius."},
						"condition": {Type: genai.TypeString, Description: "A one or two word description of the day's weather."},
					},
				},
			},
			"analysis": {Type: genai.TypeString, Description: "A brief analysis of the 5-day weather trend in the requested language."},
			"error":    {Type: genai.TypeString, Description: "An error message if the location is not found.", Nullable: nullable},
		},
		Required: []string{"location", "current", "forecast"},
	}

	diagnosisSchema = &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"diseaseName": {Type: genai.TypeString, Description: "The common name of the plant disease."},
			"description": {Type: genai.TypeString, Description: "A brief description of the disease."},
			"symptoms":    {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "A list of key symptoms."},
			"remedies": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"organic":  stringList,
					"chemical": stringList,
				},
			},
			"fertilizers": {
				Type:        genai.TypeArray,
				Description: "Recommended fertilizers with price and reason.",
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"name":        {Type: genai.TypeString},
						"description": {Type: genai.TypeString, Description: "Why the fertilizer is recommended."},
						"price":       {Type: genai.TypeString, Description: "Estimated price in INR, e.g. '₹500 per 50kg bag'."},
					},
					Required: []string{"name", "description", "price"},
				},
			},
			"error": {Type: genai.TypeString, Description: "An error message if no disease is identified.", Nullable: nullable},
		},
		Required: []string{"diseaseName", "description", "symptoms", "remedies"},
	}
)

type genaiChat struct {
	id  string
	cfg *genai.GenerateContentConfig
	s   *GenAIService

	mu   sync.Mutex
	chat *genai.Chat
}

func (c *genaiChat) ID() string { return c.id }

func (c *genaiChat) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.chat.SendMessage(ctx, genai.Part{Text: text})
	if err != nil {
		return "", fmt.Errorf("genai send message: %w", err)
	}
	reply, err := textOf(res)
	if err != nil {
		return "", err
	}
	if err := c.trim(ctx); err != nil {
		return "", err
	}
	return reply, nil
}

// trim restarts the session on the most recent exchanges once the history
// outgrows the token limit.
func (c *genaiChat) trim(ctx context.Context) error {
	history := c.chat.History(true)
	sizes := make([]int, len(history)/2)
	for i := range sizes {
		sizes[i] = c.count(history[2*i]) + c.count(history[2*i+1])
	}
	keep := keepRecent(sizes, c.s.history.limit)
	if keep == len(sizes) {
		return nil
	}
	drop := 2 * (len(sizes) - keep)
	chat, err := c.s.client.Chats.Create(ctx, c.s.model, c.cfg, append([]*genai.Content(nil), history[drop:]...))
	if err != nil {
		return fmt.Errorf("restarting genai chat: %w", err)
	}
	c.chat = chat
	c.s.logger.Debug("Trimmed chat history",
		zap.String("chat_id", c.id),
		zap.Int("dropped", drop),
		zap.Int("kept", len(history)-drop))
	return nil
}

func (c *genaiChat) count(content *genai.Content) int {
	if content == nil {
		return 0
	}
	n := 0
	for _, p := range content.Parts {
		if p != nil {
			n += c.s.history.tokens.Count(p.Text)
		}
	}
	return n
}

func textOf(res *genai.GenerateContentResponse) (string, error) {
	if res == nil {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
