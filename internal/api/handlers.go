package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/zombor/receiptsnap/internal/apperr"
	"github.com/zombor/receiptsnap/internal/device"
	"github.com/zombor/receiptsnap/internal/notify"
	"github.com/zombor/receiptsnap/internal/receipt"
)

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ReceiptID string `json:"receipt_id,omitempty"`
}

type processReceiptResponse struct {
	Success bool `json:"success"`
	*receipt.Result
}

type updateFCMTokenResponse struct {
	Success bool `json:"success"`
	*device.Registration
}

type notifyRenewalsResponse struct {
	Success bool `json:"success"`
	*notify.RunReport
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Error encoding response", zap.Error(err))
	}
}

// writeError answers with the status implied by the error's kind unless status is non-zero
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, status int) {
	e := apperr.Classify(err)
	if status == 0 {
		status = e.Kind.HTTPStatus()
	}

	msg := e.Error()
	if e.Kind == apperr.KindInternal && e.Err == nil && e.Message == "" {
		msg = "An unexpected error occurred"
	}

	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.String("kind", e.Kind.String()),
		zap.Int("status", status),
		zap.Error(err),
	}
	if e.ReceiptID != "" {
		fields = append(fields, zap.String("receipt_id", e.ReceiptID))
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", fields...)
	} else {
		s.logger.Warn("Request rejected", fields...)
	}

	s.writeJSON(w, status, errorResponse{Success: false, Error: msg, ReceiptID: e.ReceiptID})
}

// decodeBody reads a JSON body of at most maxBodySize bytes into v
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("Request body is too large. Maximum size is 50MB.")
		}
		return apperr.Validation("Invalid JSON body")
	}
	return nil
}

func (s *Server) handleProcessReceipt(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	var req receipt.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	result, err := s.services.Receipts.ProcessReceipt(r.Context(), user.ID, req)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	s.writeJSON(w, http.StatusOK, processReceiptResponse{Success: true, Result: result})
}

func (s *Server) handleUpdateFCMToken(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	var req device.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	reg, err := s.services.Devices.Register(r.Context(), user.ID, req)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	s.writeJSON(w, http.StatusOK, updateFCMTokenResponse{Success: true, Registration: reg})
}

func (s *Server) handleNotifyRenewals(w http.ResponseWriter, r *http.Request) {
	report, err := s.services.Renewals.Run(r.Context())
	if err != nil {
		s.writeError(w, r, apperr.Upstream(err.Error(), err), 0)
		return
	}

	s.writeJSON(w, http.StatusOK, notifyRenewalsResponse{Success: true, RunReport: report})
}
