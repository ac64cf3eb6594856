package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/AlexZinkM/canton-connect/internal/docs"
	"github.com/AlexZinkM/canton-connect/internal/handler"
	"github.com/AlexZinkM/canton-connect/internal/logging"
)

// SetupRouter sets up router with handlers
func SetupRouter(h *handler.SessionHandler, metricsHandler http.Handler, observer HTTPObserver, logger logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.MustGetLogger("api")
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(logger))
	r.Use(observeMiddleware(logger, observer))
	r.NotFound(notFound)

	// Swagger UI
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/wallets", h.ListWallets)
		r.Get("/session", h.GetSession)
		r.Post("/session/connect", h.Connect)
		r.Post("/session/restore", h.Restore)
		r.Post("/session/disconnect", h.Disconnect)
		r.Get("/events", h.Events)
	})

	return r
}

func jsonEncode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
