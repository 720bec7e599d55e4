package preview

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"path"

	"github.com/starford/nbfolio/internal/models"
	"github.com/starford/nbfolio/internal/pipeline"
)

//go:embed templates/*.html.tmpl
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html.tmpl"))

// Service is the part of the pipeline the preview server reads.
type Service interface {
	Outputs() ([]pipeline.Entry, error)
	Status() ([]pipeline.StatusEntry, error)
}

// Handler holds the preview route handlers.
type Handler struct {
	svc Service
}

// NewHandler creates a new Handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Outputs handles GET /api/outputs.
func (h *Handler) Outputs(w http.ResponseWriter, _ *http.Request) {
	entries, err := h.svc.Outputs()
	if err != nil {
		writeServiceError(w, "list outputs", err)
		return
	}
	writeJSON(w, http.StatusOK, OutputsResponse{Outputs: entries})
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	entries, err := h.svc.Status()
	if err != nil {
		writeServiceError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Notebooks: entries})
}

type indexLink struct {
	Href  string
	Label string
}

type indexRow struct {
	Source string
	Title  string
	Kind   string
	Links  []indexLink
}

type indexData struct {
	LedgerEnabled bool
	Rows          []indexRow
}

// Index handles GET /: a page listing every output, reloaded on site.reload.
func (h *Handler) Index(w http.ResponseWriter, _ *http.Request) {
	data := indexData{LedgerEnabled: true}
	entries, err := h.svc.Outputs()
	switch {
	case errors.Is(err, pipeline.ErrLedgerDisabled):
		data.LedgerEnabled = false
	case err != nil:
		slog.Error("preview: list outputs failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for _, e := range entries {
		row := indexRow{Source: e.Source, Title: e.Title, Kind: e.Kind}
		for _, o := range e.Outputs {
			row.Links = append(row.Links, indexLink{Href: outputHref(e.Kind, o.Path), Label: outputLabel(o)})
		}
		data.Rows = append(data.Rows, row)
	}

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, data); err != nil {
		slog.Error("preview: render index failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func outputHref(kind, p string) string {
	if kind == models.KindCharts {
		return path.Join("/charts", p)
	}
	return path.Join("/notebooks", p)
}

func outputLabel(o models.OutputFile) string {
	if o.Title != "" {
		return o.Title
	}
	return o.Path
}

func writeServiceError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, pipeline.ErrLedgerDisabled) {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("ledger disabled"))
		return
	}
	slog.Error("preview: "+op+" failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}
