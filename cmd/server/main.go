// Package main implements the txqueue HTTP API server.
// The server is a thin façade over the transaction manager: it queues,
// cancels and inspects transactions but never processes them.
//
// API Endpoints:
//
//	POST /enqueue            - Queues a transaction
//	POST /bulk/enqueue       - Queues several transactions
//	POST /cancel?id=         - Cancels a queued transaction
//	POST /bulk/cancel        - Cancels several transactions
//	GET  /status?id=         - Returns a transaction record
//	GET  /events?id=         - Streams status events (text/event-stream)
//	GET  /history?userId=    - Returns a user's transactions
//	GET  /stats              - Returns list lengths and counters
//	GET  /dead-letter        - Lists dead-lettered transactions
//	POST /dead-letter/retry  - Requeues the oldest dead-lettered transaction
//	POST /schedule           - Queues a transaction on a cron schedule
//
// Request Format (/enqueue):
//
//	{
//	  "transaction": {"type": "token_deploy", "data": {"symbol": "ABC"}},
//	  "metadata": {"userId": "user-1"},
//	  "priority": "high",
//	  "timeout": 30000
//	}
//
// Usage:
//
//	go run ./cmd/server --redis-addr localhost:6379 --api-addr :8081
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/guido-cesarano/txqueue/pkg/config"
	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/logger"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
	"github.com/guido-cesarano/txqueue/pkg/store"
	"github.com/guido-cesarano/txqueue/pkg/transactions"
)

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// allow rejects requests whose method is not method.
func allow(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to write response")
	}
}

// writeError maps the queue error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case qerrors.IsValidation(err):
		status = http.StatusBadRequest
	case qerrors.IsNotFound(err), errors.Is(err, qerrors.ErrNoItem):
		status = http.StatusNotFound
	case qerrors.IsCapacity(err):
		status = http.StatusTooManyRequests
	case qerrors.IsLockTimeout(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type enqueueRequest struct {
	Transaction item.Payload  `json:"transaction"`
	Metadata    item.Metadata `json:"metadata"`
	Priority    string        `json:"priority"`
	// Timeout is the optional processing timeout in milliseconds.
	Timeout int64 `json:"timeout"`
}

// setupRouter configures the HTTP handlers and returns the mux.
// Middlewares chain as CORS -> Auth -> Handler so preflight requests skip auth.
func setupRouter(m *transactions.Manager, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()
	route := func(path, method string, h http.HandlerFunc) {
		mux.HandleFunc(path, enableCORS(authMiddleware(allow(method, h), apiKey)))
	}

	route("/enqueue", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		priority, err := item.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, err)
			return
		}
		var opts []transactions.QueueOption
		if req.Timeout > 0 {
			opts = append(opts, transactions.WithTimeout(time.Duration(req.Timeout)*time.Millisecond))
		}

		id, err := m.QueueTransaction(r.Context(), req.Transaction, req.Metadata, priority, opts...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})

	route("/bulk/enqueue", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var reqs []enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bulk := make([]transactions.BulkRequest, len(reqs))
		for i, req := range reqs {
			// An invalid priority is left for QueueTransaction to reject per entry.
			priority, err := item.ParsePriority(req.Priority)
			if err != nil {
				priority = item.Priority(req.Priority)
			}
			bulk[i] = transactions.BulkRequest{Payload: req.Transaction, Metadata: req.Metadata, Priority: priority, TimeoutMs: req.Timeout}
		}
		writeJSON(w, http.StatusOK, m.BulkQueueTransactions(r.Context(), bulk))
	})

	route("/cancel", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing transaction ID", http.StatusBadRequest)
			return
		}
		cancelled, err := m.CancelTransaction(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": cancelled})
	})

	route("/bulk/cancel", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var ids []string
		if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, m.BulkCancelTransactions(r.Context(), ids))
	})

	route("/status", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing transaction ID", http.StatusBadRequest)
			return
		}
		tx, err := m.GetTransaction(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	})

	route("/events", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing transaction ID", http.StatusBadRequest)
			return
		}
		streamEvents(w, r, m, id)
	})

	route("/history", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID := q.Get("userId")
		if userID == "" {
			http.Error(w, "Missing userId parameter", http.StatusBadRequest)
			return
		}
		filter := transactions.HistoryFilter{Status: item.Status(q.Get("status")), Type: q.Get("type")}
		if filter.Status != "" && !filter.Status.Valid() {
			http.Error(w, "Invalid status parameter", http.StatusBadRequest)
			return
		}
		var err error
		if filter.Offset, err = intParam(q.Get("offset")); err != nil {
			http.Error(w, "Invalid offset parameter", http.StatusBadRequest)
			return
		}
		if filter.Limit, err = intParam(q.Get("limit")); err != nil {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}

		history, err := m.GetUserTransactionHistory(r.Context(), userID, filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	})

	route("/stats", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		metrics, err := m.GetMetrics(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		stats, err := m.GetTransactionStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": metrics, "transactions": stats})
	})

	route("/dead-letter", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		dead, err := m.DeadLetterTransactions(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dead)
	})

	route("/dead-letter/retry", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		tx, err := m.ReprocessDeadLetter(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	})

	route("/schedule", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Spec string `json:"spec"` // Cron expression with seconds, e.g. "@every 1m"
			enqueueRequest
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		priority, err := item.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, err)
			return
		}
		entryID, err := m.ScheduleTransaction(req.Spec, req.Transaction, req.Metadata, priority)
		if err != nil {
			if qerrors.IsValidation(err) {
				writeError(w, err)
				return
			}
			http.Error(w, fmt.Sprintf("Invalid cron spec: %v", err), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int{"entryId": int(entryID)})
	})

	return mux
}

func intParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// streamEvents relays status events as server-sent events until the
// transaction settles or the client goes away.
func streamEvents(w http.ResponseWriter, r *http.Request, m *transactions.Manager, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, stop, err := m.WatchTransaction(r.Context(), id, 16)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
			if ev.Status.Terminal() {
				return
			}
		}
	}
}

// main loads configuration, connects to Redis and serves the API until
// SIGINT/SIGTERM.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.AddFlags(pflag.CommandLine)
	pflag.Parse()
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rs, err := store.NewRedis(ctx, cfg.Redis())
	if err != nil {
		logger.Log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
	}
	defer rs.Close()

	m := transactions.New(rs, cfg.Transactions())
	m.StartScheduler()
	defer m.StopScheduler()

	if cfg.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           setupRouter(m, cfg.APIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	logger.Log.Info().Str("addr", cfg.APIAddr).Msg("Server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
