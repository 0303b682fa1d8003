package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/tournevent/shipquote/internal/quote"
	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/pkg/shipping"
	"go.uber.org/zap"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	var in quote.Input
	if !s.decode(w, r, &in) {
		return
	}
	res, err := s.quotes.GetQuote(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePersistQuote(w http.ResponseWriter, r *http.Request) {
	var in quote.Input
	if !s.decode(w, r, &in) {
		return
	}
	snap, err := s.quotes.PersistQuote(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.snapshotID(w, r)
	if !ok {
		return
	}
	snap, err := s.quotes.GetSnapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRequote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.snapshotID(w, r)
	if !ok {
		return
	}
	snap, err := s.quotes.Requote(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSyncModalities(w http.ResponseWriter, r *http.Request) {
	var env shipping.Environment
	if v := r.URL.Query().Get("environment"); v != "" {
		parsed, err := shipping.ParseEnvironment(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		env = parsed
	}
	mods, err := s.quotes.SyncModalities(r.Context(), env)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"modalities": mods})
}

func (s *Server) handleSetModalityActive(w http.ResponseWriter, r *http.Request) {
	serviceID, err := strconv.Atoi(chi.URLParam(r, "serviceID"))
	if err != nil {
		s.writeError(w, r, validationError("INVALID_SERVICE_ID", "service id must be an integer"))
		return
	}
	env, err := shipping.ParseEnvironment(r.URL.Query().Get("environment"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Active *bool `json:"active"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Active == nil {
		s.writeError(w, r, validationError("MISSING_ACTIVE", "active is required"))
		return
	}
	if err := s.quotes.SetModalityActive(r.Context(), env, serviceID, *body.Active); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rs, err := s.rules.ListRules(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rs == nil {
		rs = []rules.ShippingRule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rs})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.ShippingRule
	if !s.decode(w, r, &rule) {
		return
	}
	rule.ID = 0
	if err := s.rules.CreateRule(r.Context(), &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, validationError("INVALID_RULE_ID", "rule id must be an integer"))
		return
	}
	if err := s.rules.DeleteRule(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetEnvironment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Environment string `json:"environment"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	env, err := shipping.ParseEnvironment(body.Environment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.settings.SetActiveEnvironment(r.Context(), s.cfg.Provider, env); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetProductionDays(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Days *int `json:"days"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Days == nil {
		s.writeError(w, r, validationError("MISSING_DAYS", "days is required"))
		return
	}
	if err := s.settings.SetProductionDaysDefault(r.Context(), *body.Days); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) snapshotID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, validationError("INVALID_SNAPSHOT_ID", "snapshot id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, validationError("INVALID_JSON", "Invalid JSON: "+err.Error()))
		return false
	}
	return true
}

func validationError(code, message string) error {
	return shipping.NewError(shipping.KindValidation, code, message)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch shipping.KindOf(err) {
	case shipping.KindValidation:
		return http.StatusBadRequest
	case shipping.KindNotFound:
		return http.StatusNotFound
	case shipping.KindCredential:
		return http.StatusBadGateway
	case shipping.KindCarrierTransient:
		return http.StatusServiceUnavailable
	case shipping.KindCarrierRejection:
		var e *shipping.Error
		if errors.As(err, &e) && e.StatusCode == http.StatusUnprocessableEntity {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := shipping.KindOf(err)
	status := statusFor(err)
	detail := errorDetail{Kind: string(kind), Message: err.Error()}

	var (
		e      *shipping.Error
		dimErr *shipping.DimensionError
	)
	switch {
	case errors.As(err, &dimErr):
		detail.Code = "INVALID_DIMENSIONS"
	case errors.As(err, &e):
		detail.Code = e.Code
	}

	log := s.logger.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	} else {
		log.Info("Request rejected",
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.String("code", detail.Code),
		)
	}
	if kind == shipping.KindInternal {
		detail.Code = "INTERNAL"
		detail.Message = fmt.Sprintf("internal error (request %s)", middleware.GetReqID(r.Context()))
	}

	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
