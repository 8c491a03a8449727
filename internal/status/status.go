package status

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/you/dex-arb/internal/types"
	"go.uber.org/zap"
)

// Source is the read-only view of the engine the status API exposes.
type Source interface {
	Metrics() types.ArbitrageMetrics
	Opportunities() []types.ArbitragePath
	History() []types.ArbitrageExecution
	InventoryState() types.InventoryState
	Halted() bool
}

// StartHTTP serves the JSON status API until the context is cancelled.
// Empty addr disables the server.
func StartHTTP(ctx context.Context, src Source, addr string, log *zap.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/opportunities", jsonHandler(func() any { return src.Opportunities() }))
	mux.HandleFunc("/api/metrics", jsonHandler(func() any { return src.Metrics() }))
	mux.HandleFunc("/api/history", jsonHandler(func() any { return src.History() }))
	mux.HandleFunc("/api/inventory", jsonHandler(func() any { return src.InventoryState() }))
	mux.HandleFunc("/api/state", jsonHandler(func() any {
		return map[string]any{"halted": src.Halted(), "ts": time.Now().UnixMilli()}
	}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           withCORS(mux),
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() { <-ctx.Done(); _ = srv.Close() }()

	go func() {
		log.Info("status api listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !strings.Contains(err.Error(), "Server closed") {
			log.Error("status api error", zap.Error(err))
		}
	}()
}

func jsonHandler(get func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(get())
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
