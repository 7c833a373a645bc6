package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/kisan-dost/internal/agmarknet"
	"github.com/RichardoC/kisan-dost/internal/classifier"
	"github.com/RichardoC/kisan-dost/internal/config"
	"github.com/RichardoC/kisan-dost/internal/db"
	"github.com/RichardoC/kisan-dost/internal/language"
	"github.com/RichardoC/kisan-dost/internal/llm"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const languagePreference = "selected_language"

type Handler struct {
	db       *db.Database
	backend  llm.Backend
	market   *agmarknet.Client
	chat     config.ChatConfig
	origins  []string
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	closing bool
	sockets map[string]*socketSession
	wg      sync.WaitGroup
}

// NewHandler wires the HTTP API. market may be nil when no Agmarknet key is
// configured.
func NewHandler(database *db.Database, backend llm.Backend, market *agmarknet.Client, serverCfg config.ServerConfig, chatCfg config.ChatConfig, logger *zap.Logger) *Handler {
	h := &Handler{
		db:      database,
		backend: backend,
		market:  market,
		chat:    chatCfg,
		origins: serverCfg.AllowedOrigins,
		logger:  logger,
		sockets: make(map[string]*socketSession),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// checkOrigin accepts clients without an Origin header, pages served from this
// host and the configured allowed origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range h.origins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	h.logger.Warn("Rejected websocket origin", zap.String("origin", origin), zap.String("host", r.Host))
	return false
}

// Shutdown closes every chat socket and waits for their sessions to end. New
// sockets are refused from then on.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for _, s := range h.sockets {
		s.conn.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/api/language", h.Language)
	mux.HandleFunc("/api/transcript", h.Transcript)
	mux.HandleFunc("/api/classify", h.Classify)
	mux.HandleFunc("/api/schemes", h.Schemes)
	mux.HandleFunc("/api/weather", h.Weather)
	mux.HandleFunc("/api/diagnose", h.Diagnose)
	mux.HandleFunc("/api/market", h.MarketPrice)
	mux.HandleFunc("/api/market/live", h.LiveMarketPrice)
	mux.HandleFunc("/api/chat/ws", h.ChatSocket)
}

type LanguageRequest struct {
	Language string `json:"language"`
}

type LanguageResponse struct {
	Language language.Code `json:"language"`
	Locale   string        `json:"locale"`
	Name     string        `json:"name"`
}

type ClassifyResponse struct {
	Query      string `json:"query"`
	PriceQuery bool   `json:"price_query"`
}

type MarketPriceResponse struct {
	Commodity string `json:"commodity"`
	Market    string `json:"market"`
	Answer    string `json:"answer"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Language(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, languageResponse(h.preferredLanguage(r.Context())))

	case http.MethodPut, http.MethodPost:
		var req LanguageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		code, err := language.Parse(req.Language)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := h.saveLanguage(r.Context(), code); err != nil {
			h.writeError(w, http.StatusInternalServerError, "Failed to save language")
			return
		}
		h.writeJSON(w, http.StatusOK, languageResponse(code))

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) Transcript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code, err := h.requestLanguage(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.Method == http.MethodDelete {
		h.deleteTranscript(w, r, code)
		return
	}

	conv, err := h.db.GetTranscript(r.Context(), string(code))
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "No transcript for "+code.Name())
		return
	}
	if err != nil {
		h.logger.Error("Failed to get transcript",
			zap.Error(err),
			zap.String("language", string(code)),
			zap.String("path", r.URL.Path))
		h.writeError(w, http.StatusInternalServerError, "Failed to get transcript")
		return
	}

	h.logger.Debug("Retrieved transcript",
		zap.Int("count", len(conv.Messages)),
		zap.String("language", string(code)))
	h.writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) deleteTranscript(w http.ResponseWriter, r *http.Request, code language.Code) {
	err := h.db.DeleteTranscript(r.Context(), string(code))
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "No transcript for "+code.Name())
		return
	}
	if err != nil {
		h.logger.Error("Failed to delete transcript",
			zap.Error(err),
			zap.String("language", string(code)))
		h.writeError(w, http.StatusInternalServerError, "Failed to delete transcript")
		return
	}

	h.logger.Info("Deleted transcript", zap.String("language", string(code)))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query().Get("q")
	h.writeJSON(w, http.StatusOK, ClassifyResponse{Query: q, PriceQuery: classifier.IsPriceQuery(q)})
}

func (h *Handler) LiveMarketPrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.market == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Live market prices are not configured")
		return
	}

	commodity := r.URL.Query().Get("commodity")
	market := r.URL.Query().Get("market")
	if commodity == "" || market == "" {
		h.writeError(w, http.StatusBadRequest, "commodity and market are required")
		return
	}

	answer, err := h.market.LatestPrice(r.Context(), commodity, market)
	if err != nil {
		h.logger.Error("Failed to fetch live market price",
			zap.Error(err),
			zap.String("commodity", commodity),
			zap.String("market", market))
		h.writeError(w, http.StatusBadGateway, liveMarketFailure)
		return
	}
	h.writeJSON(w, http.StatusOK, MarketPriceResponse{Commodity: commodity, Market: market, Answer: answer})
}

// requestLanguage is the language query parameter, or the preferred language
// when it is absent.
func (h *Handler) requestLanguage(r *http.Request) (language.Code, error) {
	if q := r.URL.Query().Get("language"); q != "" {
		return language.Parse(q)
	}
	return h.preferredLanguage(r.Context()), nil
}

// preferredLanguage is the saved language, or the configured default.
func (h *Handler) preferredLanguage(ctx context.Context) language.Code {
	fallback, err := language.Parse(h.chat.DefaultLanguage)
	if err != nil {
		fallback = language.English
	}

	value, err := h.db.GetPreference(ctx, languagePreference)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			h.logger.Warn("Failed to read language preference", zap.Error(err))
		}
		return fallback
	}
	code, err := language.Parse(value)
	if err != nil {
		h.logger.Warn("Ignoring stored language", zap.String("language", value))
		return fallback
	}
	return code
}

func (h *Handler) saveLanguage(ctx context.Context, code language.Code) error {
	if err := h.db.SetPreference(ctx, languagePreference, string(code)); err != nil {
		h.logger.Error("Failed to save language preference", zap.Error(err))
		return err
	}
	return nil
}

func languageResponse(code language.Code) LanguageResponse {
	return LanguageResponse{Language: code, Locale: code.Locale(), Name: code.Name()}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}
