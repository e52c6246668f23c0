package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapliy/coordination/internal/saga"
	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/jsonutil"
	"github.com/sapliy/coordination/pkg/server"
)

type SagaHandler struct {
	svc *saga.Service
}

func NewHandler(svc *saga.Service) *SagaHandler {
	return &SagaHandler{svc: svc}
}

func (h *SagaHandler) Register(r *mux.Router) {
	r.HandleFunc("/sagas", h.Start).Methods(http.MethodPost)
	r.HandleFunc("/sagas", h.List).Methods(http.MethodGet)
	r.HandleFunc("/sagas/{id}", h.Get).Methods(http.MethodGet)
}

func (h *SagaHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string             `json:"name"`
		Steps []saga.StepRequest `json:"steps"`
	}
	if err := jsonutil.DecodeJSON(r, &req); err != nil {
		jsonutil.WriteError(w, err)
		return
	}

	sg, err := h.svc.StartSaga(r.Context(), req.Name, req.Steps)
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"saga_id": sg.ID,
		"state":   sg.State,
	})
}

func (h *SagaHandler) Get(w http.ResponseWriter, r *http.Request) {
	sg, err := h.svc.GetSaga(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, sg)
}

func (h *SagaHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter saga.ListFilter
	for _, s := range server.QueryList(r, "state") {
		st, ok := saga.ParseState(s)
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

	sagas, err := h.svc.ListSagas(r.Context(), filter)
	if err != nil {
		jsonutil.WriteError(w, err)
		return
	}
	if sagas == nil {
		sagas = []*saga.Saga{}
	}
	jsonutil.WriteJSON(w, http.StatusOK, sagas)
}
