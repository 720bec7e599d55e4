package preview

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Dirs are the directories served as static files.
type Dirs struct {
	Processed string
	Plots     string
}

// NewRouter creates the preview router.
// events, if non-nil, is mounted at GET /api/events.
func NewRouter(svc Service, events http.Handler, dirs Dirs, logger *slog.Logger) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health/live", h.Live)

	r.Route("/api", func(r chi.Router) {
		r.Get("/outputs", h.Outputs)
		r.Get("/status", h.Status)
		if events != nil {
			r.Get("/events", events.ServeHTTP)
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(NoCache)
		r.Get("/", h.Index)
		r.Handle("/charts/*", http.StripPrefix("/charts/", http.FileServer(http.Dir(dirs.Plots))))
		r.Handle("/notebooks/*", http.StripPrefix("/notebooks/", http.FileServer(http.Dir(dirs.Processed))))
	})

	return r
}
