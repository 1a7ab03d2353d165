// Package delivery reconciles material deliveries recorded against
// confectioned offers with the offers backend of record.
package delivery

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
)

// MountRoutes wires all delivery routes.
func MountRoutes(r chi.Router, logger *slog.Logger, svc *Service, classifier StatusClassifier) {
	handler := NewHandler(logger, svc, classifier)
	r.Route("/delivery", func(r chi.Router) {
		handler.MountRoutes(r)
	})
}
