package user

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"huddle/internal/apperr"
	"huddle/internal/middleware"
	"huddle/internal/presence"
)

type Handler struct {
	service   *Service
	relations *RelationRepository
	tracker   *presence.Tracker
	log       *zap.Logger
}

func NewHandler(s *Service, relations *RelationRepository, tracker *presence.Tracker, log *zap.Logger) *Handler {
	return &Handler{service: s, relations: relations, tracker: tracker, log: log}
}

// Presence reports a user's perceived status: explicit presence record first,
// recent profile activity as the approximate fallback.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	u, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status, err := h.tracker.Perceived(r.Context(), id, u.UpdatedAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.service.Register(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(res)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.SearchUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) UpdatePrivacy(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req UpdatePrivacyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdatePrivacy(r.Context(), userID, &req); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type relationRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) relationTarget(w http.ResponseWriter, r *http.Request) (self, target string, ok bool) {
	self, authed := middleware.UserID(r.Context())
	if !authed {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", "", false
	}

	var req relationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return "", "", false
	}
	if req.UserID == self {
		http.Error(w, "cannot target yourself", http.StatusBadRequest)
		return "", "", false
	}
	return self, req.UserID, true
}

func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	self, target, ok := h.relationTarget(w, r)
	if !ok {
		return
	}
	h.runRelation(w, r.Context(), func(ctx context.Context) error {
		return h.relations.Block(ctx, self, target)
	})
}

func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	self, target, ok := h.relationTarget(w, r)
	if !ok {
		return
	}
	h.runRelation(w, r.Context(), func(ctx context.Context) error {
		return h.relations.Unblock(ctx, self, target)
	})
}

func (h *Handler) AddBuddy(w http.ResponseWriter, r *http.Request) {
	self, target, ok := h.relationTarget(w, r)
	if !ok {
		return
	}
	h.runRelation(w, r.Context(), func(ctx context.Context) error {
		return h.relations.AddBuddyMatch(ctx, self, target)
	})
}

func (h *Handler) RemoveBuddy(w http.ResponseWriter, r *http.Request) {
	self, target, ok := h.relationTarget(w, r)
	if !ok {
		return
	}
	h.runRelation(w, r.Context(), func(ctx context.Context) error {
		return h.relations.RemoveBuddyMatch(ctx, self, target)
	})
}

func (h *Handler) runRelation(w http.ResponseWriter, ctx context.Context, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("user handler failure", zap.Error(err))
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}
