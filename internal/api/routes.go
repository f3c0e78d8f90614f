// Package api provides HTTP handlers for browsing integration results.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cellanchor/pipeline/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Results     *service.ResultService
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api/runs", func(r chi.Router) {
		r.Get("/", runsHandler(cfg.Results))
		r.Route("/{run_id}", func(r chi.Router) {
			r.Get("/", runHandler(cfg.Results))
			r.Get("/samples", samplesHandler(cfg.Results))
			r.Get("/anchors", anchorsHandler(cfg.Results))
			r.Get("/legend", legendHandler(cfg.Results))
			r.Get("/expression", expressionFeaturesHandler(cfg.Results))
			r.Get("/expression/{feature}", expressionHandler(cfg.Results))
			r.Get("/plots/{dataset}/{view}.png", plotHandler(cfg.Results))
		})
	})

	return r
}

// runsHandler returns the list of stored runs.
func runsHandler(svc *service.ResultService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := svc.Runs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"runs": runs,
		})
	}
}

// runHandler returns one run plus its transferred label breakdown.
func runHandler(svc *service.ResultService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		run, err := svc.Run(runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if run == nil {
			http.Error(w, "run not found: "+runID, http.StatusNotFound)
			return
		}
		counts, err := svc.LabelCounts(runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"run":          run,
			"label_counts": counts,
		})
	}
}

// samplesHandler returns a page of sample annotations, optionally filtered
// by dataset and transferred label.
func samplesHandler(svc *service.ResultService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		dataset := r.URL.Query().Get("dataset")
		label := r.URL.Query().Get("label")
		offset := queryInt(r, "offset", 0)
		limit := queryInt(r, "limit", 1000)
		if limit > 10000 {
			limit = 10000
		}

		records, total, err := svc.Samples(runID, dataset, label, offset, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"total":   total,
			"offset":  offset,
			"limit":   limit,
			"samples": records,
		})
	}
}

// anchorsHandler returns a page of a run's anchors, best-scoring first.
func anchorsHandler(svc *service.ResultService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		offset := queryInt(r, "offset", 0)
		limit := queryInt(r, "limit", 1000)
		if limit > 10000 {
			limit = 10000
		}

		anchors, total, err := svc.Anchors(runID, offset, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"total":   total,
			"offset":  offset,
			"limit":   limit,
			"anchors": anchors,
		})
	}
}

// legendHandler returns the color legend for a categorical coloring.
func legendHandler(svc *service.ResultService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		colorBy := r.URL.Query().Get("colorby")
		if colorBy == "" {
			colorBy = service.ColorByLabel
		}

		entries, err := svc.Legend(runID, colorBy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]interface{}{
			"colorby": colorBy,
			"legend":  entries,
		})
	}
}

// expressionFeaturesHandler lists the features with stored transferred
// expression for a run.
func expressionFeaturesHandler(svc *service.ResultService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		features, err := svc.ExpressionFeatures(runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"features": features,
		})
	}
}

// expressionHandler returns the transferred expression vector of one feature.
func expressionHandler(svc *service.ResultService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		feature := chi.URLParam(r, "feature")

		values, err := svc.Expression(runID, feature)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]interface{}{
			"feature": feature,
			"values":  values,
		})
	}
}

// plotHandler renders a PNG scatter of one dataset of a run.
// View is "embedding" or "spatial"; ?colorby= selects cluster, label,
// confidence, or expression coloring (the latter needs ?feature=),
// ?colormap= the continuous palette.
func plotHandler(svc *service.ResultService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		dataset := chi.URLParam(r, "dataset")
		view := chi.URLParam(r, "view")

		colorBy := r.URL.Query().Get("colorby")
		if colorBy == "" {
			colorBy = service.ColorByCluster
			if view == service.ViewSpatial {
				colorBy = service.ColorByLabel
			}
		}
		colormapName := r.URL.Query().Get("colormap")
		feature := r.URL.Query().Get("feature")

		png, err := svc.Plot(runID, dataset, view, colorBy, colormapName, feature)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Write(png)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
