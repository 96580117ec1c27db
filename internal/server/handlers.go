package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/domain"
)

type operatorHandler struct {
	controls Controls
	logger   *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// GET /api/health
func (h *operatorHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GET /api/risk
func (h *operatorHandler) riskSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.controls.Risk == nil {
		writeError(w, http.StatusNotFound, "risk metrics not running in this mode")
		return
	}
	writeJSON(w, http.StatusOK, h.controls.Risk.Snapshot())
}

// POST /api/risk/reset-breaker
func (h *operatorHandler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	if h.controls.Risk == nil {
		writeError(w, http.StatusNotFound, "risk metrics not running in this mode")
		return
	}
	h.controls.Risk.ResetBreaker()
	h.logger.InfoContext(r.Context(), "breaker reset via api")
	writeJSON(w, http.StatusOK, h.controls.Risk.Snapshot())
}

type whatIfRequest struct {
	BuyVenue  string          `json:"buy_venue"`
	SellVenue string          `json:"sell_venue"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// POST /api/risk/whatif
func (h *operatorHandler) whatIf(w http.ResponseWriter, r *http.Request) {
	if h.controls.Trading == nil {
		writeError(w, http.StatusNotFound, "risk gate not running in this mode")
		return
	}
	var req whatIfRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.BuyVenue == "" || req.SellVenue == "" || !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		writeError(w, http.StatusBadRequest, "buy_venue, sell_venue, positive price and quantity are required")
		return
	}
	decision := h.controls.Trading.WhatIf(req.BuyVenue, req.SellVenue, req.Price, req.Quantity)
	writeJSON(w, http.StatusOK, decision)
}

type tradingRequest struct {
	Enabled bool `json:"enabled"`
}

// PUT /api/trading
func (h *operatorHandler) setTrading(w http.ResponseWriter, r *http.Request) {
	if h.controls.Trading == nil {
		writeError(w, http.StatusNotFound, "risk gate not running in this mode")
		return
	}
	var req tradingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	h.controls.Trading.SetEnabled(req.Enabled)
	h.logger.InfoContext(r.Context(), "trading switch flipped via api", slog.Bool("enabled", req.Enabled))
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

// GET /api/executions/{id}
func (h *operatorHandler) getExecution(w http.ResponseWriter, r *http.Request) {
	if h.controls.Executions == nil {
		writeError(w, http.StatusNotFound, "execution engine not running in this mode")
		return
	}
	exec, ok := h.controls.Executions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// DELETE /api/executions/{id}
func (h *operatorHandler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if h.controls.Executions == nil {
		writeError(w, http.StatusNotFound, "execution engine not running in this mode")
		return
	}
	id := r.PathValue("id")
	if err := h.controls.Executions.Cancel(id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelling"})
}

// POST /api/executions/{id}/release
//
// Marks a partially filled execution as manually resolved, returning its
// exposure reservation to available capital.
func (h *operatorHandler) releaseExposure(w http.ResponseWriter, r *http.Request) {
	if h.controls.Risk == nil {
		writeError(w, http.StatusNotFound, "risk metrics not running in this mode")
		return
	}
	id := r.PathValue("id")
	h.controls.Risk.ReleaseExposure(id)
	h.logger.InfoContext(r.Context(), "exposure released via api", slog.String("execution_id", id))
	writeJSON(w, http.StatusOK, h.controls.Risk.Snapshot())
}

// GET /api/maker/orders
func (h *operatorHandler) listMakerOrders(w http.ResponseWriter, r *http.Request) {
	if h.controls.Maker == nil {
		writeError(w, http.StatusNotFound, "maker manager not running in this mode")
		return
	}
	writeJSON(w, http.StatusOK, h.controls.Maker.Orders())
}

// POST /api/maker/orders/{id}/in-trade
//
// Flags an order whose counterparty opened a trade, protecting it from
// cancellation and repricing.
func (h *operatorHandler) markInTrade(w http.ResponseWriter, r *http.Request) {
	if h.controls.Maker == nil {
		writeError(w, http.StatusNotFound, "maker manager not running in this mode")
		return
	}
	id := r.PathValue("id")
	if err := h.controls.Maker.MarkInTrade(id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "in_trade"})
}
