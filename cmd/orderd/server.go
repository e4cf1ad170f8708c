package main

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	es "github.com/terraskye/eventflow"
	"github.com/terraskye/eventflow/examples/orderfulfillment"
)

type server struct {
	logger   *slog.Logger
	commands *es.CommandBus
	queries  *es.QueryBus
}

func (s *server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/orders", s.handleCreateOrder)
	r.Post("/orders/{id}/items/{name}/ready", s.handleMarkItemReady)
	r.Get("/orders/{id}", s.handleGetOrder)

	return r
}

func (s *server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var cmd orderfulfillment.CreateOrder
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.commands.Dispatch(r.Context(), cmd)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}

	w.Header().Set("Location", "/orders/"+cmd.OrderID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"order_id": cmd.OrderID,
		"version":  result.NextExpectedVersion,
	})
}

func (s *server) handleMarkItemReady(w http.ResponseWriter, r *http.Request) {
	cmd := orderfulfillment.MarkItemReady{
		OrderID: chi.URLParam(r, "id"),
		Name:    chi.URLParam(r, "name"),
	}

	result, err := s.commands.Dispatch(r.Context(), cmd)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": cmd.OrderID,
		"version":  result.NextExpectedVersion,
	})
}

func (s *server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	qry := orderfulfillment.GetOrder{OrderID: chi.URLParam(r, "id")}

	view, err := es.ExecuteQuery[orderfulfillment.GetOrder, orderfulfillment.OrderView](r.Context(), s.queries, qry)
	if err != nil {
		if errors.Is(err, es.ErrStreamNotFound) {
			writeJSONError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("query failed", "order_id", qry.OrderID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// writeCommandError maps the engine's error taxonomy onto HTTP statuses:
// contention on the aggregate is the caller's 409 to retry, a rejected
// command is a 400, a missing aggregate a 404.
func (s *server) writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, es.ErrConflictBudgetExhausted) || es.IsConflict(err) || errors.Is(err, es.ErrStreamExists):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, es.ErrDomainValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, es.ErrStreamNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("command failed", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
