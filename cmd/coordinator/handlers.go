package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sapliy/coordination/internal/coordinator"
	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/jsonutil"
	"github.com/sapliy/coordination/pkg/server"
)

type TransactionHandler struct {
	svc *coordinator.Service
}

func NewHandler(svc *coordinator.Service) *TransactionHandler {
	return &TransactionHandler{svc: svc}
}

func (h *TransactionHandler) Register(r *mux.Router) {
	r.HandleFunc("/transactions", h.Create).Methods(http.MethodPost)
	r.HandleFunc("/transactions", h.List).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}/participants", h.AddParticipant).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/prepare", h.phase(h.svc.Prepare)).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/commit", h.phase(h.svc.Commit)).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/abort", h.phase(h.svc.Abort)).Methods(http.MethodPost)
}

func (h *TransactionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Timeout jsonutil.Duration `json:"timeout"`
	}
	if err := jsonutil.DecodeJSON(r, &req); err != nil {
		jsonutil.WriteError(w, err)
		return
	}

	tx, err := h.svc.CreateTransaction(r.Context(), time.Duration(req.Timeout))
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusCreated, tx)
}

func (h *TransactionHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceName string                `json:"service_name"`
		ServiceURL  string                `json:"service_url"`
		Endpoints   coordinator.Endpoints `json:"endpoints"`
	}
	if err := jsonutil.DecodeJSON(r, &req); err != nil {
		jsonutil.WriteError(w, err)
		return
	}

	tx, err := h.svc.AddParticipant(r.Context(), mux.Vars(r)["id"], coordinator.Participant{
		ServiceName: req.ServiceName,
		ServiceURL:  req.ServiceURL,
		Endpoints:   req.Endpoints,
	})
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusCreated, tx)
}

// phase serves prepare, commit and abort. The call returns once the
// transition is recorded; the protocol continues in the background.
func (h *TransactionHandler) phase(fn func(ctx context.Context, id string) (*coordinator.Transaction, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, err := fn(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			jsonutil.WriteError(w, err)
			return
		}
		jsonutil.WriteJSON(w, http.StatusAccepted, tx)
	}
}

func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, tx)
}

func (h *TransactionHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter coordinator.ListFilter
	for _, s := range server.QueryList(r, "state") {
		st, ok := coordinator.ParseState(s)
		if !ok {
			jsonutil.WriteError(w, apperr.Invalid("unknown state %q", s))
			return
		}
		filter.States = append(filter.States, st)
	}
	limit, err := server.QueryInt(r, "limit", 100)
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	filter.Limit = limit

	txs, err := h.svc.ListTransactions(r.Context(), filter)
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	if txs == nil {
		txs = []*coordinator.Transaction{}
	}
	jsonutil.WriteJSON(w, http.StatusOK, txs)
}
