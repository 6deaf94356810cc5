package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"go.uber.org/zap"

	"github.com/zombor/receiptsnap/internal/api"
	"github.com/zombor/receiptsnap/internal/app"
	"github.com/zombor/receiptsnap/internal/config"
	"github.com/zombor/receiptsnap/internal/logger"
)

var (
	instance *app.App
	once     sync.Once
	initErr  error
)

func init() {
	// Entry point names configured in GCP
	functions.HTTP("ProcessReceipt", endpoint(api.EndpointProcessReceipt))
	functions.HTTP("UpdateFcmToken", endpoint(api.EndpointUpdateFCMToken))
	functions.HTTP("NotifyRenewals", endpoint(api.EndpointNotifyRenewals))
}

// main is required by the Go Functions Framework.
func main() {}

func setup() {
	cfg, err := config.Load(nil)
	if err != nil {
		initErr = err
		return
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		initErr = fmt.Errorf("initializing logger: %w", err)
		return
	}
	instance, initErr = app.Build(context.Background(), cfg, log)
	if initErr != nil {
		log.Error("Initialization failed", zap.Error(initErr))
	}
}

func endpoint(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		once.Do(setup)
		if initErr != nil {
			fmt.Fprintf(os.Stderr, "CRITICAL: initialization failed: %v\n", initErr)
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   "Service is not configured",
			})
			return
		}
		instance.Server.Function(name)(w, r)
	}
}
