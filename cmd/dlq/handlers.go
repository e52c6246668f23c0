package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapliy/coordination/internal/dlq"
	"github.com/sapliy/coordination/pkg/jsonutil"
	"github.com/sapliy/coordination/pkg/server"
)

type DeadLetterHandler struct {
	svc *dlq.Service
}

func NewHandler(svc *dlq.Service) *DeadLetterHandler {
	return &DeadLetterHandler{svc: svc}
}

func (h *DeadLetterHandler) Register(r *mux.Router) {
	r.HandleFunc("/messages", h.Enqueue).Methods(http.MethodPost)
	r.HandleFunc("/messages", h.List).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/retry", h.Retry).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/resolve", h.Resolve).Methods(http.MethodPost)
}

func (h *DeadLetterHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req dlq.EnqueueRequest
	if err := jsonutil.DecodeJSON(r, &req); err != nil {
		jsonutil.WriteError(w, err)
		return
	}

	m, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusCreated, m)
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, m)
}

// Retry schedules a redelivery and answers before it completes.
func (h *DeadLetterHandler) Retry(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"id":          m.ID,
		"retry_count": m.RetryCount,
		"status":      "retrying",
	})
}

func (h *DeadLetterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, m)
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	resolved, err := server.QueryBool(r, "resolved")
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	limit, err := server.QueryInt(r, "limit", 100)
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	offset, err := server.QueryInt(r, "offset", 0)
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}

	q := r.URL.Query()
	msgs, err := h.svc.List(r.Context(), dlq.ListFilter{
		Resolved:           resolved,
		SourceQueue:        q.Get("source_queue"),
		DestinationService: q.Get("destination_service"),
		Limit:              limit,
		Offset:             offset,
	})
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*dlq.Message{}
	}
	jsonutil.WriteJSON(w, http.StatusOK, msgs)
}
