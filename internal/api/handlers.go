package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
	"commission-ledger/internal/ledger"
	"commission-ledger/internal/reconcile"
)

type positionRequest struct {
	UserID string `json:"user_public_key"`
	BotID  string `json:"bot_id"`
}

func (p positionRequest) validate() error {
	if p.UserID == "" || p.BotID == "" {
		return fmt.Errorf("%w: user_public_key and bot_id are required", errBadRequest)
	}
	return nil
}

type prepareRequest struct {
	positionRequest
	Kind   domain.TxKind   `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	Nonce  string          `json:"nonce"`
}

type submitRequest struct {
	Signature string `json:"signature"`
}

type failRequest struct {
	Reason string `json:"reason"`
}

// decode reads an optional JSON body into v.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid payload: %v", errBadRequest, err)
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	bots := s.catalog.List()
	out := make([]botView, 0, len(bots))
	for _, b := range bots {
		out = append(out, newBotView(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		user = r.URL.Query().Get("public_key")
	}
	if user == "" {
		s.writeError(w, r, fmt.Errorf("%w: missing user", errBadRequest))
		return
	}

	st, err := s.ledger.GetStatus(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(st))
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.GetPosition(r.Context(), r.PathValue("user"), r.PathValue("bot"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(p))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	generation := 0
	if v := r.URL.Query().Get("generation"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, r, fmt.Errorf("%w: generation must be a positive integer", errBadRequest))
			return
		}
		generation = n
	}

	h, err := s.ledger.History(r.Context(), r.PathValue("user"), r.PathValue("bot"), generation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"daily_history": newRecordViews(h)})
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	tx, desc, err := s.reconciler.Prepare(r.Context(), reconcile.Request{
		UserID: req.UserID,
		BotID:  req.BotID,
		Kind:   domain.TxKind(strings.ToUpper(string(req.Kind))),
		Amount: req.Amount,
		Nonce:  req.Nonce,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"transaction": newTransactionView(tx),
		"descriptor":  newDescriptorView(desc),
	})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.reconciler.Get(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(tx))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	tx, err := s.reconciler.MarkSubmitted(r.Context(), r.PathValue("ref"), req.Signature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.watcher != nil {
		if err := s.watcher.Watch(s.baseCtx, tx); err != nil {
			// The settlement poll still picks the transaction up.
			s.logger.Warn("signature subscription failed", "tx", tx.ID, "signature", tx.ExternalReference, "error", err)
		}
	}
	writeJSON(w, http.StatusAccepted, newTransactionView(tx))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	res, err := s.reconciler.Confirm(r.Context(), r.PathValue("ref"))
	already := errors.Is(err, ledger.ErrAlreadyConfirmed) && res != nil
	if err != nil && !already {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction":       newTransactionView(res.Transaction),
		"position":          newPositionView(res.Position),
		"already_confirmed": already,
	})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.reconciler.Fail(r.Context(), r.PathValue("ref"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(tx))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tx, err := s.reconciler.Cancel(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(tx))
}

func (s *Server) handleSimulateDay(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.ledger.AdvanceDay(r.Context(), req.UserID, req.BotID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.ledger.GetPosition(r.Context(), req.UserID, req.BotID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p.History = nil
	writeJSON(w, http.StatusOK, map[string]any{
		"day":      newRecordView(*rec),
		"position": newPositionView(p),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.ledger.Reset(r.Context(), req.UserID, req.BotID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"refunded": res.Refunded,
		"position": newPositionView(res.Position),
	})
}

func (s *Server) handleFeeReport(w http.ResponseWriter, r *http.Request) {
	since := time.Unix(0, 0).UTC()
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: since must be RFC3339: %v", errBadRequest, err))
			return
		}
		since = t
	}

	totals, err := s.fees.FeeTotalsByBot(r.Context(), since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]feeTotalsView, 0, len(totals))
	for _, t := range totals {
		out = append(out, newFeeTotalsView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since, "bots": out})
}
