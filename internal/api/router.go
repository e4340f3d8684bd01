package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"eigenl2/offchain/internal/metrics"
)

// RequestIDHeader carries the per-request correlation id
const RequestIDHeader = "X-Request-ID"

// SetupRouter creates and configures the HTTP router.
// adminSecret signs admin tokens; empty disables the admin endpoints.
func SetupRouter(handler *Handler, adminSecret string, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware())
	router.Use(recoveryMiddleware(logger))

	admin := adminAuthMiddleware(adminSecret, logger)

	// Health check and metrics
	router.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Ledger
	router.HandleFunc("/transactions", handler.HandleUpsertTransaction).Methods(http.MethodPost)
	router.HandleFunc("/transactions", handler.HandleGetTransactions).Methods(http.MethodGet)
	router.Handle("/transactions", admin(http.HandlerFunc(handler.HandleClearTransactions))).Methods(http.MethodDelete)
	router.Handle("/transactions/batch", admin(http.HandlerFunc(handler.HandleUpsertTransactions))).Methods(http.MethodPost)
	router.HandleFunc("/transactions/pending", handler.HandleGetPendingTransactions).Methods(http.MethodGet)
	router.HandleFunc("/transactions/reconcile", handler.HandleReconcile).Methods(http.MethodPost)
	router.HandleFunc("/transactions/user/{address}", handler.HandleGetUserTransactions).Methods(http.MethodGet)
	router.HandleFunc("/transactions/hash/{txHash}", handler.HandleGetTransactionByHash).Methods(http.MethodGet)
	router.HandleFunc("/transactions/hash/{txHash}", handler.HandleUpdateTransactionByHash).Methods(http.MethodPatch)
	router.HandleFunc("/transactions/message/{messageId}", handler.HandleGetTransactionByMessageID).Methods(http.MethodGet)
	router.HandleFunc("/transactions/message/{messageId}", handler.HandleUpdateTransactionByMessageID).Methods(http.MethodPatch)

	// Nonces
	router.HandleFunc("/execnonce/{agentAddress}", handler.HandleGetExecNonce).Methods(http.MethodGet)
	router.HandleFunc("/agents/{userAddress}/nonce", handler.HandleGetReconciledNonce).Methods(http.MethodGet)

	// Delegation approvals
	router.HandleFunc("/delegation/sign", handler.HandleSignDelegation).Methods(http.MethodPost)

	// Bridge status
	router.HandleFunc("/ccip/message/{messageId}", handler.HandleGetBridgeMessage).Methods(http.MethodGet)

	return router
}

// ==================== Middleware ====================

// requestIDMiddleware propagates or assigns a request id
func requestIDMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(RequestIDHeader, id)
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs HTTP requests and records their latency
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestDuration.
				WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).
				Observe(time.Since(start).Seconds())

			logger.Info("HTTP request",
				zap.String("request_id", r.Header.Get(RequestIDHeader)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware adds CORS headers
func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware recovers from panics and logs them
func recoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("request_id", r.Header.Get(RequestIDHeader)),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)

					// Send error response
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":"Internal server error","message":"An unexpected error occurred"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
