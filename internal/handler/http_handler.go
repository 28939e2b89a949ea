package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/apperrors"
	"github.com/pesio-ai/be-erp-approvals/internal/identity"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

// HTTPHandler exposes the approval workflow API.
type HTTPHandler struct {
	approvals   *service.ApprovalService
	delegations *service.DelegationService
	matrices    *service.MatrixService
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	approvals *service.ApprovalService,
	delegations *service.DelegationService,
	matrices *service.MatrixService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		approvals:   approvals,
		delegations: delegations,
		matrices:    matrices,
		log:         log,
	}
}

// Routes mounts the API. The idem middleware guards the mutating
// approval endpoints; auth is applied by the caller around the whole
// router.
func (h *HTTPHandler) Routes(idem func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Route("/approvals", func(r chi.Router) {
		r.With(idem).Post("/", h.Submit)
		r.Get("/inbox", h.Inbox)
		r.Get("/{id}", h.GetRequest)
		r.Get("/{id}/history", h.History)
		r.With(idem).Post("/{id}/approve", h.Approve)
		r.With(idem).Post("/{id}/reject", h.Reject)
		r.With(idem).Post("/{id}/cancel", h.Cancel)
	})

	r.Route("/delegations", func(r chi.Router) {
		r.Post("/", h.CreateDelegation)
		r.Get("/", h.ListDelegations)
		r.Delete("/{id}", h.DisableDelegation)
	})

	r.Route("/matrix-rules", func(r chi.Router) {
		r.Post("/", h.CreateMatrixRule)
		r.Get("/", h.ListMatrixRules)
		r.Delete("/{id}", h.DeactivateMatrixRule)
	})

	return r
}

// ── Approvals ────────────────────────────────────────────────────────────────

// Submit handles approval submission requests.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		respondError(w, apperrors.New(apperrors.CodeUnauthorized, "missing caller identity"))
		return
	}

	var in service.SubmitInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	result, err := h.approvals.Submit(r.Context(), actor, in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// Inbox handles inbox queries.
func (h *HTTPHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		respondError(w, apperrors.New(apperrors.CodeUnauthorized, "missing caller identity"))
		return
	}

	items, err := h.approvals.Inbox(r.Context(), actor, r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// GetRequest returns a request with its steps.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	detail, err := h.approvals.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// History returns the audit trail for a request.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.approvals.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type actionRequest struct {
	Remarks *string `json:"remarks,omitempty"`
}

// Approve handles approve transitions.
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		respondError(w, apperrors.New(apperrors.CodeUnauthorized, "missing caller identity"))
		return
	}

	var in actionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			respondError(w, apperrors.InvalidInput("body", "malformed JSON"))
			return
		}
	}

	result, err := h.approvals.Approve(r.Context(), actor, chi.URLParam(r, "id"), in.Remarks)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Reject handles reject transitions. Remarks are mandatory.
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		respondError(w, apperrors.New(apperrors.CodeUnauthorized, "missing caller identity"))
		return
	}

	var in actionRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	remarks := ""
	if in.Remarks != nil {
		remarks = *in.Remarks
	}

	result, err := h.approvals.Reject(r.Context(), actor, chi.URLParam(r, "id"), remarks)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Cancel handles cancel transitions.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		respondError(w, apperrors.New(apperrors.CodeUnauthorized, "missing caller identity"))
		return
	}

	var in actionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			respondError(w, apperrors.InvalidInput("body", "malformed JSON"))
			return
		}
	}

	result, err := h.approvals.Cancel(r.Context(), actor, chi.URLParam(r, "id"), in.Remarks)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Delegations ──────────────────────────────────────────────────────────────

// CreateDelegation handles delegation creation (administrators only).
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		respondError(w, apperrors.New(apperrors.CodeUnauthorized, "missing caller identity"))
		return
	}

	var in service.CreateDelegationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	d, err := h.delegations.Create(r.Context(), actor, in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

// ListDelegations lists the caller's delegations (or a named user's).
func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		respondError(w, apperrors.New(apperrors.CodeUnauthorized, "missing caller identity"))
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = actor.UserID
	}

	ds, err := h.delegations.List(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"delegations": ds, "total": len(ds)})
}

// DisableDelegation soft-disables a delegation (administrators only).
func (h *HTTPHandler) DisableDelegation(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		respondError(w, apperrors.New(apperrors.CodeUnauthorized, "missing caller identity"))
		return
	}

	if err := h.delegations.Disable(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Matrix rules ─────────────────────────────────────────────────────────────

// CreateMatrixRule handles matrix rule creation (administrators only).
func (h *HTTPHandler) CreateMatrixRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		respondError(w, apperrors.New(apperrors.CodeUnauthorized, "missing caller identity"))
		return
	}

	var in service.CreateRuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	rule, err := h.matrices.CreateRule(r.Context(), actor, in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

// ListMatrixRules lists rules for a document type.
func (h *HTTPHandler) ListMatrixRules(w http.ResponseWriter, r *http.Request) {
	docType := r.URL.Query().Get("doc_type")
	activeOnly := r.URL.Query().Get("active") != "false"

	rules, err := h.matrices.ListRules(r.Context(), docType, activeOnly)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": rules, "total": len(rules)})
}

// DeactivateMatrixRule soft-disables a rule (administrators only).
func (h *HTTPHandler) DeactivateMatrixRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		respondError(w, apperrors.New(apperrors.CodeUnauthorized, "missing caller identity"))
		return
	}

	if err := h.matrices.DeactivateRule(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
