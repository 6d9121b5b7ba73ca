package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/tomclarke/ledgermatch/internal/application/service"
	"github.com/tomclarke/ledgermatch/internal/config"
	"github.com/tomclarke/ledgermatch/internal/infrastructure/persistence/repository"
	"github.com/tomclarke/ledgermatch/internal/infrastructure/persistence/sqlite"
	httpserver "github.com/tomclarke/ledgermatch/internal/interfaces/http"
	"github.com/tomclarke/ledgermatch/pkg/database"
	"github.com/tomclarke/ledgermatch/pkg/utils"
)

func main() {
	// Optional .env for local development; real deployments set env vars.
	_ = gotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting reimbursement ledger service",
		zap.String("version", "1.0.0"),
		zap.Int("port", cfg.Server.Port))

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal("Failed to create database directory", zap.Error(err))
		}
	}

	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	txManager := sqlite.NewDB(db.DB, logger)

	expenseRepo := repository.NewExpenseRepository(db.DB, logger)
	categoryRepo := repository.NewCategoryRepository(db.DB, logger)
	linkRepo := repository.NewLinkRepository(db.DB, logger)
	ruleRepo := repository.NewRuleRepository(db.DB, logger)
	approvalRepo := repository.NewApprovalRepository(db.DB, logger)
	auditRepo := repository.NewAuditRepository(db.DB, logger)

	kvLogger := utils.NewKVLogger(logger)

	approvalService := service.NewApprovalService(approvalRepo, kvLogger)
	ledgerService := service.NewLedgerService(
		expenseRepo,
		categoryRepo,
		linkRepo,
		ruleRepo,
		approvalService,
		auditRepo,
		txManager,
		kvLogger,
	)

	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, ledgerService, kvLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logger.Fatal("HTTP server failed", zap.Error(err))
	}

	logger.Info("Server exited")
}
