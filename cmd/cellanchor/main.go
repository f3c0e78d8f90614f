// Package main is the entry point for the cellanchor pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cellanchor/pipeline/internal/api"
	"github.com/cellanchor/pipeline/internal/cache"
	"github.com/cellanchor/pipeline/internal/config"
	"github.com/cellanchor/pipeline/internal/data/mtx"
	"github.com/cellanchor/pipeline/internal/data/soma"
	"github.com/cellanchor/pipeline/internal/data/vizgen"
	"github.com/cellanchor/pipeline/internal/dataset"
	"github.com/cellanchor/pipeline/internal/pipeline"
	"github.com/cellanchor/pipeline/internal/preprocess"
	"github.com/cellanchor/pipeline/internal/render"
	"github.com/cellanchor/pipeline/internal/resultstore"
	"github.com/cellanchor/pipeline/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/pipeline.yaml", "Path to configuration file")
	runID := flag.String("run-id", "", "Identifier for this run (default: timestamp)")
	serve := flag.Bool("serve", false, "Serve stored results over HTTP instead of running the pipeline")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *serve {
		serveResults(cfg)
		return
	}

	id := *runID
	if id == "" {
		id = time.Now().UTC().Format("20060102-150405")
	}
	runPipeline(cfg, id)
}

func runPipeline(cfg *config.Config, runID string) {
	log.Printf("Starting run %s: reference=%s query=%s", runID, cfg.Reference.Name, cfg.Query.Name)

	ref, err := loadReference(cfg)
	if err != nil {
		log.Fatalf("Failed to load reference: %v", err)
	}
	log.Printf("Loaded %s: %d samples x %d genes", ref.Name(), ref.NSamples(), ref.NFeatures())

	query, err := vizgen.Load(cfg.Query.Name, vizgen.Paths{
		CellByGene:   cfg.Query.CellByGene,
		CellMetadata: cfg.Query.CellMetadata,
	})
	if err != nil {
		log.Fatalf("Failed to load query: %v", err)
	}
	log.Printf("Loaded %s: %d samples x %d genes", query.Name(), query.NSamples(), query.NFeatures())

	filters := make(map[string]preprocess.Range, len(cfg.Query.Filters))
	for col, b := range cfg.Query.Filters {
		filters[col] = preprocess.Range{Min: b.Min, Max: b.Max}
	}

	res, err := pipeline.Run(ref, query, filters, pipeline.FromConfig(cfg))
	if err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}
	log.Printf("Run complete in %s: %d anchors, %d unanchored query samples",
		res.Duration.Round(time.Millisecond), len(res.Anchors.Anchors), len(res.Labels.Unanchored))

	store, err := resultstore.NewStore(cfg.Output.DBPath)
	if err != nil {
		log.Fatalf("Failed to open result store: %v", err)
	}
	defer store.Close()

	params := resultstore.RunParams{
		Reference:        cfg.Reference.Name,
		Query:            cfg.Query.Name,
		VariableFeatures: cfg.Pipeline.VariableFeatures,
		PCADims:          cfg.Pipeline.PCADims,
		Neighbors:        cfg.Pipeline.Neighbors,
		Resolution:       cfg.Pipeline.Resolution,
		AnchorK:          cfg.Pipeline.AnchorK,
		AnchorDims:       cfg.Pipeline.AnchorDims,
		Seed:             cfg.Pipeline.Seed,
	}
	if err := pipeline.Persist(store, runID, res, params); err != nil {
		log.Fatalf("Failed to persist run: %v", err)
	}
	log.Printf("Results stored in %s (run %s)", cfg.Output.DBPath, runID)
}

func loadReference(cfg *config.Config) (*dataset.Dataset, error) {
	if cfg.Reference.SomaPath != "" {
		reader, err := soma.NewReader(cfg.Reference.SomaPath)
		if err != nil {
			return nil, err
		}
		log.Printf("Reading SOMA experiment: %s (supported=%v)", reader.ExperimentURI(), reader.Supported())
		return reader.LoadDataset(cfg.Reference.Name)
	}
	return mtx.Load(cfg.Reference.Name, mtx.DirPaths(cfg.Reference.MTXDir))
}

func serveResults(cfg *config.Config) {
	store, err := resultstore.NewStore(cfg.Output.DBPath)
	if err != nil {
		log.Fatalf("Failed to open result store: %v", err)
	}
	defer store.Close()

	cacheManager, err := cache.NewManager(cache.Config{
		PlotCacheSizeMB: cfg.Cache.PlotSizeMB,
		PlotTTL:         time.Duration(cfg.Cache.PlotTTLMinutes) * time.Minute,
		QueryCacheSize:  1000,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	renderer := render.NewPlotRenderer(render.Config{
		PlotSize:        cfg.Render.PlotSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	results := service.NewResultService(service.ResultServiceConfig{
		Store:    store,
		Cache:    cacheManager,
		Renderer: renderer,
	})

	router := api.NewRouter(api.RouterConfig{
		Results:     results,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
