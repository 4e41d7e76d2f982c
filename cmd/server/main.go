package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/collabnote/server/pkg/crypto"
	"github.com/collabnote/server/pkg/gcal"
	"github.com/collabnote/server/pkg/logger"
	"github.com/collabnote/server/pkg/ocr"
	"github.com/collabnote/server/pkg/router"
	"github.com/collabnote/server/pkg/store"
	"github.com/collabnote/server/pkg/summarizer"
	"github.com/collabnote/server/pkg/supervisor"
)

const defaultPort = "12345"

// Config holds all server configuration, loaded from environment
// variables per spec.md §6 plus the ambient knobs SPEC_FULL.md's
// expansion adds.
type Config struct {
	Port                string
	Pepper              []byte
	DataDir             string
	PrivateKeyPath      string
	DBName              string
	IdleExpiry          time.Duration
	BroadcastBufferSize int
	EventLookaheadDays  int
	GcalClientID        string
	GcalClientSecret    string
	GcalRedirectURL     string
}

func main() {
	logger.Init()

	config := loadConfig(os.Args)
	logger.Info("starting collabnote server")
	logger.Info("port: %s", config.Port)
	logger.Info("data dir: %s", config.DataDir)

	if string(config.Pepper) == "dev-pepper-change-me" {
		logger.Warn("PEPPER is unset; using an insecure development default")
	}

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		log.Fatalf("collabnote: create data dir: %v", err)
	}

	rsaKey, err := crypto.LoadOrCreateRSA(config.PrivateKeyPath)
	if err != nil {
		log.Fatalf("collabnote: load rsa key: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, filepath.Join(config.DataDir, config.DBName), config.DataDir)
	if err != nil {
		log.Fatalf("collabnote: open store: %v", err)
	}
	defer st.Close()

	sup := supervisor.New(st, rsaKey, config.IdleExpiry)
	sup.SetBroadcastBufferSize(config.BroadcastBufferSize)

	var gcalClient *gcal.Client
	if config.GcalClientID != "" {
		gcalClient = gcal.NewClient(config.GcalClientID, config.GcalClientSecret, config.GcalRedirectURL)
	}

	r := router.New(st, sup, router.Config{
		Pepper:             config.Pepper,
		EventLookaheadDays: config.EventLookaheadDays,
		DataDir:            config.DataDir,
		OCR:                ocr.PlainTextExtractor{},
		Summarizer:         summarizer.HeuristicSummarizer{},
		Gcal:               gcalClient,
	})
	sup.BindRouter(r)

	go sup.StartIdleCleaner(ctx, time.Hour)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := sup.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown: %v", err)
		}
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%s", config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("collabnote: listen on %s: %v", addr, err)
	}
	logger.Info("listening on %s", lis.Addr())
	if err := sup.Serve(ctx, lis); err != nil {
		log.Fatalf("collabnote: serve: %v", err)
	}
}

func loadConfig(args []string) Config {
	port := defaultPort
	if len(args) > 1 {
		port = args[1]
	}

	pepper := os.Getenv("PEPPER")
	if pepper == "" {
		pepper = "dev-pepper-change-me"
	}

	dataDir := getEnv("DATA_DIR", "data")
	dbName := getEnv("DB_NAME", "collabnote.db")

	// DB_HOST/DB_PORT/DB_USERNAME/DB_PASSWORD are part of spec.md §6's
	// external-interface contract but go unused here: the store is an
	// embedded SQLite file (pkg/store, grounded on the teacher's
	// go-sqlite3 dependency), which has no host/port/credentials to
	// connect with. Read them anyway so operators get a consistent
	// environment surface if the store is later swapped for a
	// networked database.
	_ = os.Getenv("DB_HOST")
	_ = os.Getenv("DB_PORT")
	_ = os.Getenv("DB_USERNAME")
	_ = os.Getenv("DB_PASSWORD")

	return Config{
		Port:                port,
		Pepper:              []byte(pepper),
		DataDir:             dataDir,
		PrivateKeyPath:      getEnv("PRIVATE_KEY_PATH", filepath.Join(dataDir, "private.pem")),
		DBName:              dbName,
		IdleExpiry:          time.Duration(getEnvInt("DOC_IDLE_EXPIRY_HOURS", 24)) * time.Hour,
		BroadcastBufferSize: getEnvInt("BROADCAST_BUFFER_SIZE", 16),
		EventLookaheadDays:  getEnvInt("EVENT_LOOKAHEAD_DAYS", 7),
		GcalClientID:        os.Getenv("GCAL_CLIENT_ID"),
		GcalClientSecret:    os.Getenv("GCAL_CLIENT_SECRET"),
		GcalRedirectURL:     os.Getenv("GCAL_REDIRECT_URL"),
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}
