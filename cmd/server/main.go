// Package main provides the entry point for the DocFoundry ingestion server
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/docfoundry/docfoundry/domain/ingestion"
	"github.com/docfoundry/docfoundry/internal/config"
	"github.com/docfoundry/docfoundry/internal/database"
	"github.com/docfoundry/docfoundry/internal/migrate"
	"github.com/docfoundry/docfoundry/internal/server"
	"github.com/docfoundry/docfoundry/pkg/embedder"
	"github.com/docfoundry/docfoundry/pkg/extract"
	"github.com/docfoundry/docfoundry/pkg/logger"
	"github.com/docfoundry/docfoundry/pkg/structurer"
)

func main() {
	// Load .env files if present (for local development)
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		// Logging
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		migrate.Module,
		server.Module,

		// Provider modules
		extract.Module,
		structurer.Module,
		embedder.Module,

		// Domain modules
		ingestion.Module,
	).Run()
}
