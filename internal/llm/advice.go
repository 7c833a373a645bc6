package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrUnsupportedImage = errors.New("image must be JPEG, PNG or WebP")

// Forecast is the weather report the model fills in. Error is set instead of the
// other fields when the location is unknown.
type Forecast struct {
	Location string         `json:"location"`
	Current  CurrentWeather `json:"current"`
	Days     []DayForecast  `json:"forecast"`
	Analysis string         `json:"analysis,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type CurrentWeather struct {
	TempC     float64 `json:"temp_c"`
	Condition string  `json:"condition"`
	Humidity  float64 `json:"humidity"`
	WindKPH   float64 `json:"wind_kph"`
}

type DayForecast struct {
	Day       string  `json:"day"`
	HighC     float64 `json:"high_c"`
	LowC      float64 `json:"low_c"`
	Condition string  `json:"condition"`
}

// Diagnosis is the model's reading of a leaf photo. Error is set when no disease
// could be identified.
type Diagnosis struct {
	DiseaseName string       `json:"diseaseName"`
	Description string       `json:"description"`
	Symptoms    []string     `json:"symptoms"`
	Remedies    Remedies     `json:"remedies"`
	Fertilizers []Fertilizer `json:"fertilizers"`
	Error       string       `json:"error,omitempty"`
}

type Remedies struct {
	Organic  []string `json:"organic"`
	Chemical []string `json:"chemical"`
}

type Fertilizer struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

// Image is an uploaded photo with its sniffed MIME type.
type Image struct {
	MIMEType string
	Data     []byte
}

// NewImage checks that data is a photo the model accepts.
func NewImage(data []byte) (Image, error) {
	mime := http.DetectContentType(data)
	switch mime {
	case "image/jpeg", "image/png", "image/webp":
		return Image{MIMEType: mime, Data: data}, nil
	default:
		return Image{}, fmt.Errorf("%w, got %s", ErrUnsupportedImage, mime)
	}
}

// decodeJSON parses a structured reply, tolerating a markdown code fence around it.
func decodeJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
