package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/time/rate"

	"github.com/boomcard/receipt-trust/internal/receipt"
	"github.com/boomcard/receipt-trust/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const shutdownTimeout = 15 * time.Second

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-trust")
	var (
		port      = fs.IntLong("port", 8080, "HTTP server port")
		logFormat = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		logLevel  = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")

		dbDriver = fs.StringLong("db-driver", "bolt", "Database driver: 'bolt' or 'sqlite'")
		dbPath   = fs.StringLong("db", "receipt-trust.db", "Database file path or SQLite DSN")

		storageType = fs.StringLong("storage", "local", "Image storage: 'local' or 's3'")
		storagePath = fs.StringLong("storage-path", "./receipts", "Storage directory path")
		s3Bucket    = fs.StringLong("s3-bucket", "", "S3 bucket for receipt images")
		s3Region    = fs.StringLong("s3-region", "eu-central-1", "S3 region")
		s3Prefix    = fs.StringLong("s3-prefix", "receipts", "S3 key prefix")
		s3Endpoint  = fs.StringLong("s3-endpoint", "", "Custom S3 endpoint (e.g. MinIO)")
		s3PathStyle = fs.BoolLong("s3-path-style", "Use path-style S3 addressing")

		engineType   = fs.StringLong("engine", "tesseract", "Recognition engine: 'tesseract', 'gemini' or 'ollama'")
		language     = fs.StringLong("ocr-language", scanning.DefaultLanguage, "OCR language hint")
		noPreprocess = fs.BoolLong("no-preprocess", "Skip grayscale/contrast preprocessing before recognition")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama vision model name")

		maxScansPerDay  = fs.IntLong("max-scans-per-day", 0, "Default daily submission cap per user (0 keeps the built-in default)")
		cashbackPercent = fs.Float64Long("cashback-percent", 0, "Default base cashback percent")
		premiumBonus    = fs.Float64Long("premium-bonus", 0, "Default extra percent for premium cards")
		platinumBonus   = fs.Float64Long("platinum-bonus", 0, "Default extra percent for platinum cards")
		maxCashback     = fs.Float64Long("max-cashback", 0, "Default cashback cap per receipt")
		geofenceRadius  = fs.Float64Long("geofence-radius", 0, "Default venue geofence radius in meters")
		amountTolerance = fs.Float64Long("amount-tolerance", 0, "Default declared/recognized amount tolerance in percent")
		maxReceiptAge   = fs.IntLong("max-receipt-age-days", 0, "Default maximum receipt age in days")

		uploadRate  = fs.Float64Long("upload-rate", 0, "Uploads per second allowed per user (0 disables limiting)")
		uploadBurst = fs.IntLong("upload-burst", 5, "Upload burst allowed per user")

		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_TRUST"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := setupLogging(*logFormat, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Initializing database...", "driver", *dbDriver)
	db, err := openDB(*dbDriver, *dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("Initializing storage...", "backend", *storageType)
	var store receipt.Storage
	switch *storageType {
	case "local":
		store, err = receipt.NewLocalStorage(*storagePath)
	case "s3":
		if *s3Bucket == "" {
			slog.Error("S3 bucket is required. Set --s3-bucket or RECEIPT_TRUST_S3_BUCKET")
			os.Exit(1)
		}
		store, err = receipt.NewS3Storage(ctx, receipt.S3Config{
			Bucket:       *s3Bucket,
			Region:       *s3Region,
			Prefix:       *s3Prefix,
			Endpoint:     *s3Endpoint,
			UsePathStyle: *s3PathStyle,
		})
	default:
		slog.Error("Invalid storage type", "type", *storageType, "valid", "local or s3")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	var factory scanning.EngineFactory
	switch *engineType {
	case "tesseract":
		factory = scanning.NewTesseract(*language)
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		factory = scanning.NewGemini(apiKey, *geminiModel)
	case "ollama":
		factory = scanning.NewOllama(*ollamaURL, *ollamaModel)
	default:
		slog.Error("Invalid engine type", "type", *engineType, "valid", "tesseract, gemini or ollama")
		os.Exit(1)
	}
	recognizer := scanning.NewRecognizer(factory,
		scanning.WithLanguage(*language),
		scanning.WithPreprocessing(!*noPreprocess),
	)
	defer recognizer.Close()

	// Warm the engine so the first upload does not pay for startup. Failures
	// are retried on the next recognition.
	go func() {
		slog.Info("Starting recognition engine...", "engine", *engineType, "language", *language)
		if err := recognizer.EnsureReady(ctx); err != nil {
			slog.Warn("Recognition engine not ready", "engine", *engineType, "error", err)
			return
		}
		slog.Info("Recognition engine ready", "engine", *engineType)
	}()

	receiptService := receipt.NewService(db, recognizer, store, receipt.WithDefaultPolicy(receipt.VenueConfig{
		MaxScansPerDay:         *maxScansPerDay,
		CashbackPercent:        *cashbackPercent,
		PremiumBonus:           *premiumBonus,
		PlatinumBonus:          *platinumBonus,
		MaxCashbackPerScan:     *maxCashback,
		GeofenceRadiusMeters:   *geofenceRadius,
		AmountTolerancePercent: *amountTolerance,
		MaxReceiptAgeDays:      *maxReceiptAge,
	}))

	var serverOpts []receipt.ServerOption
	if *uploadRate > 0 {
		serverOpts = append(serverOpts, receipt.WithUploadRateLimit(rate.Limit(*uploadRate), *uploadBurst))
	}
	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, basicAuth, serverOpts...)

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			stop()
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	<-ctx.Done()

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	server.Stop()
}

func openDB(driver, path string) (receipt.DB, error) {
	switch driver {
	case "bolt":
		db, err := receipt.NewBoltDB(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite":
		db, err := receipt.NewSQLiteDB(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("invalid database driver %q: use bolt or sqlite", driver)
	}
}

func setupLogging(format, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q: use text or json", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
