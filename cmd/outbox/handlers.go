package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapliy/coordination/internal/outbox"
	"github.com/sapliy/coordination/pkg/jsonutil"
	"github.com/sapliy/coordination/pkg/server"
)

type OutboxHandler struct {
	svc *outbox.Service
}

func NewHandler(svc *outbox.Service) *OutboxHandler {
	return &OutboxHandler{svc: svc}
}

func (h *OutboxHandler) Register(r *mux.Router) {
	r.HandleFunc("/messages", h.Enqueue).Methods(http.MethodPost)
	r.HandleFunc("/messages", h.List).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", h.Get).Methods(http.MethodGet)
}

func (h *OutboxHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DestinationService string          `json:"destination_service"`
		Payload            json.RawMessage `json:"payload"`
	}
	if err := jsonutil.DecodeJSON(r, &req); err != nil {
		jsonutil.WriteError(w, err)
		return
	}

	m, err := h.svc.Enqueue(r.Context(), req.DestinationService, req.Payload)
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusCreated, m)
}

func (h *OutboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, m)
}

func (h *OutboxHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := server.QueryInt(r, "limit", 100)
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}

	msgs, err := h.svc.List(r.Context(), outbox.ListFilter{
		Status: outbox.Status(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*outbox.Message{}
	}
	jsonutil.WriteJSON(w, http.StatusOK, msgs)
}
