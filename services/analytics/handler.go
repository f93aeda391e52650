package main

import (
	"net/http"

	"perimeter/pkg/httpx"
	"perimeter/pkg/structlog"
	"perimeter/pkg/typing"
)

type analyzeResponse struct {
	Status    string          `json:"status"`
	UserID    string          `json:"userId"`
	RiskScore float64         `json:"risk_score"`
	Features  typing.Features `json:"features"`
}

type Handler struct {
	analyzer *Analyzer
	logger   *structlog.Logger
	maxBody  int64
}

func NewHandler(analyzer *Analyzer, logger *structlog.Logger, maxBody int64) *Handler {
	return &Handler{analyzer: analyzer, logger: logger, maxBody: maxBody}
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/analyze", httpx.AllowMethods(h.HandleAnalyze, http.MethodPost))
	mux.HandleFunc("/health", httpx.AllowMethods(h.HandleHealth, http.MethodGet, http.MethodHead))
}

func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	body, err := httpx.ReadBody(w, r, h.maxBody)
	if err != nil {
		httpx.WriteError(w, httpx.StatusForBodyError(err), err.Error())
		return
	}
	batch, _, err := typing.DecodeBatch(body)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := h.analyzer.Analyze(r.Context(), batch)
	h.logger.WithContext(r.Context()).Info("batch analyzed", structlog.Fields{
		"analysis_id": res.ID,
		"events":      res.Features.Events,
		"risk_score":  res.RiskScore,
	})
	httpx.WriteJSON(w, http.StatusOK, analyzeResponse{
		Status:    "success",
		UserID:    res.UserID,
		RiskScore: res.RiskScore,
		Features:  res.Features,
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
