// Package handler exposes the pharmacy services over HTTP.
package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/pharmanet/internal/pharmacy/service"
	"github.com/medflow/pharmanet/pkg/actor"
	"github.com/medflow/pharmanet/pkg/errors"
	"github.com/medflow/pharmanet/pkg/logger"
)

const dateLayout = "2006-01-02"

// Register mounts every pharmacy route on r. Authentication is applied by
// the caller.
func Register(r chi.Router, svcs *service.Services, log *logger.Logger) {
	medications := NewMedicationHandler(svcs, log)
	redistributions := NewRedistributionHandler(svcs.Redistributions, log)
	alerts := NewAlertHandler(svcs.Alerts, log)
	stock := NewStockHandler(svcs.Stock, log)

	r.Get("/sites", medications.Sites)

	r.Route("/medications/{id}", func(r chi.Router) {
		r.Get("/priority", medications.Priority)
		r.Get("/lots", medications.Lots)
		r.Get("/stock", medications.Stock)
	})

	r.Route("/redistributions", func(r chi.Router) {
		r.Get("/", redistributions.List)
		r.Post("/", redistributions.Create)
		r.Get("/stats", redistributions.Stats)
		r.Get("/{id}", redistributions.Get)
		r.Post("/{id}/complete", redistributions.Complete)
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", alerts.List)
		r.Get("/stats", alerts.Stats)
		r.Post("/{id}/resolve", alerts.Resolve)
	})

	r.Post("/stock/entries", stock.Entry)
	r.Post("/stock/exits", stock.Exit)
	r.Get("/movements", stock.Movements)
}

func actorID(r *http.Request) string {
	return actor.IDFromContext(r.Context())
}

// parseDate reads a YYYY-MM-DD query value; empty yields nil.
func parseDate(r *http.Request, field string) (*time.Time, error) {
	raw := r.URL.Query().Get(field)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, errors.InvalidRequest(field, "must be a date formatted as YYYY-MM-DD")
	}
	return &t, nil
}
