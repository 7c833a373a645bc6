package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/RichardoC/kisan-dost/internal/classifier"
	"github.com/RichardoC/kisan-dost/internal/language"
	"github.com/RichardoC/kisan-dost/internal/llm"
	"go.uber.org/zap"
)

const maxImageBody = 10 << 20

const (
	schemesFallback   = "Sorry, I couldn't fetch government scheme information right now. Please try again later."
	weatherFallback   = "Could not get the weather forecast. Please check the location and try again."
	diagnoseFallback  = "Could not analyze the image. Please try again with a clearer image."
	marketFallback    = "Sorry, I couldn't fetch market prices right now. Please try again later."
	liveMarketFailure = "Error fetching live market price."
)

type AnswerResponse struct {
	Query    string        `json:"query"`
	Language language.Code `json:"language"`
	Answer   string        `json:"answer"`
}

// MarketAnswerResponse carries the Agmarknet line, when the question names a
// commodity and market, next to the model's answer.
type MarketAnswerResponse struct {
	Query    string        `json:"query"`
	Language language.Code `json:"language"`
	Live     string        `json:"live,omitempty"`
	Answer   string        `json:"answer"`
}

type DiagnoseRequest struct {
	Image    string `json:"image"` // base64, optionally as a data URL
	Language string `json:"language"`
}

// question reads the q and language parameters of a GET request. It writes
// the error response itself and reports whether the caller should go on.
func (h *Handler) question(w http.ResponseWriter, r *http.Request, param string) (string, language.Code, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return "", "", false
	}
	q := strings.TrimSpace(r.URL.Query().Get(param))
	if q == "" {
		h.writeError(w, http.StatusBadRequest, param+" is required")
		return "", "", false
	}
	code, err := h.requestLanguage(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return q, code, true
}

func (h *Handler) Schemes(w http.ResponseWriter, r *http.Request) {
	q, code, ok := h.question(w, r, "q")
	if !ok {
		return
	}
	answer, err := h.backend.Schemes(r.Context(), q, code)
	if err != nil {
		h.logger.Error("Failed to answer scheme question", zap.Error(err), zap.String("language", string(code)))
		h.writeError(w, http.StatusBadGateway, schemesFallback)
		return
	}
	h.writeJSON(w, http.StatusOK, AnswerResponse{Query: q, Language: code, Answer: answer})
}

func (h *Handler) Weather(w http.ResponseWriter, r *http.Request) {
	location, code, ok := h.question(w, r, "location")
	if !ok {
		return
	}
	forecast, err := h.backend.Weather(r.Context(), location, code)
	if err != nil {
		h.logger.Error("Failed to get weather forecast", zap.Error(err), zap.String("location", location))
		h.writeError(w, http.StatusBadGateway, weatherFallback)
		return
	}
	if forecast.Error != "" {
		h.writeJSON(w, http.StatusUnprocessableEntity, forecast)
		return
	}
	h.writeJSON(w, http.StatusOK, forecast)
}

func (h *Handler) Diagnose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DiagnoseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxImageBody)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	code := h.preferredLanguage(r.Context())
	if req.Language != "" {
		parsed, err := language.Parse(req.Language)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		code = parsed
	}

	encoded := req.Image
	if i := strings.Index(encoded, ";base64,"); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) == 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid image data provided")
		return
	}
	image, err := llm.NewImage(data)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	diagnosis, err := h.backend.Diagnose(r.Context(), image, code)
	if err != nil {
		h.logger.Error("Failed to diagnose crop", zap.Error(err), zap.String("mime_type", image.MIMEType))
		h.writeError(w, http.StatusBadGateway, diagnoseFallback)
		return
	}
	h.writeJSON(w, http.StatusOK, diagnosis)
}

// MarketPrice answers a free-form price question with the model, adding the
// live Agmarknet price when the question names a commodity and market.
func (h *Handler) MarketPrice(w http.ResponseWriter, r *http.Request) {
	q, code, ok := h.question(w, r, "q")
	if !ok {
		return
	}

	resp := MarketAnswerResponse{Query: q, Language: code}
	if commodity, market, found := classifier.PriceSubject(q); found && h.market != nil {
		live, err := h.market.LatestPrice(r.Context(), commodity, market)
		if err != nil {
			h.logger.Warn("Failed to fetch live market price",
				zap.Error(err),
				zap.String("commodity", commodity),
				zap.String("market", market))
			live = liveMarketFailure
		}
		resp.Live = live
	}

	answer, err := h.backend.Lookup(r.Context(), q, code)
	if err != nil {
		h.logger.Error("Failed to look up market price", zap.Error(err))
		if resp.Live == "" || resp.Live == liveMarketFailure {
			h.writeError(w, http.StatusBadGateway, marketFallback)
			return
		}
		answer = marketFallback
	}
	resp.Answer = answer
	h.writeJSON(w, http.StatusOK, resp)
}
