// Package llm talks to the remote conversational model.
package llm

import (
	"context"
	"errors"

	"github.com/RichardoC/kisan-dost/internal/language"
)

const DefaultModel = "gemini-2.5-flash"

var (
	ErrEmptyResponse     = errors.New("model returned empty text")
	ErrMalformedResponse = errors.New("model returned malformed JSON")
)

// Chat is one conversation with the model, bound to a language. Its history
// only grows with exchanges that succeeded.
type Chat interface {
	ID() string
	Send(ctx context.Context, text string) (string, error)
}

// Transport opens chats against the model.
type Transport interface {
	NewChat(ctx context.Context, lang language.Code) (Chat, error)
}

// PriceLookup answers market price questions with a short, single-language reply.
type PriceLookup interface {
	Lookup(ctx context.Context, query string, lang language.Code) (string, error)
}

// Backend is a model provider that serves chats and the one-shot advisors.
type Backend interface {
	Transport
	PriceLookup
	SchemeAdvisor
	Forecaster
	CropDoctor
}

// SchemeAdvisor answers questions about government agricultural schemes.
type SchemeAdvisor interface {
	Schemes(ctx context.Context, query string, lang language.Code) (string, error)
}

// Forecaster produces a current-weather report and five-day forecast for a place.
type Forecaster interface {
	Weather(ctx context.Context, location string, lang language.Code) (*Forecast, error)
}

// CropDoctor diagnoses plant disease from a photo of a leaf.
type CropDoctor interface {
	Diagnose(ctx context.Context, image Image, lang language.Code) (*Diagnosis, error)
}
