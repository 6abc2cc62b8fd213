// Package api exposes the graph over HTTP: report ingestion, snapshot
// queries, and the management surface for accounts and report keys.
package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archodex/backend/pkg/apierror"
	"github.com/archodex/backend/pkg/graph"
	"github.com/archodex/backend/pkg/keymat"
	"github.com/archodex/backend/pkg/query"
	"github.com/archodex/backend/pkg/report"
	"github.com/archodex/backend/pkg/reportkey"
	"github.com/archodex/backend/pkg/resource"
	"github.com/archodex/backend/pkg/store"
)

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

const maxReportBody = 16 << 20

// Server encapsulates the HTTP API server
type Server struct {
	store    *store.Store
	server   *http.Server
	auth     AuthProvider
	keys     *keymat.Cache
	endpoint string

	// TLS Config
	tlsCertFile string
	tlsKeyFile  string

	// Management surface auth; empty means open (standalone mode)
	adminTokenHash string
}

// NewServer creates a new API server instance
func NewServer(st *store.Store, auth AuthProvider, keys *keymat.Cache, endpoint, addr string) *Server {
	mux := http.NewServeMux()

	// Register routes
	mux.HandleFunc("/v1/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s := &Server{
		store:    st,
		auth:     auth,
		keys:     keys,
		endpoint: endpoint,
	}

	mux.HandleFunc("/v1/report", s.handleReport)
	mux.HandleFunc("/v1/query/", s.withAdminAuth(s.handleQuery))
	mux.HandleFunc("/v1/principal-chain", s.withAdminAuth(s.handlePrincipalChain))
	mux.HandleFunc("/v1/resource/environments", s.withAdminAuth(s.handleEnvironments))
	mux.HandleFunc("/v1/report-api-keys", s.withAdminAuth(s.handleReportAPIKeys))
	mux.HandleFunc("/v1/report-api-keys/", s.withAdminAuth(s.handleReportAPIKeyByID))
	mux.HandleFunc("/v1/account", s.withAdminAuth(s.handleAccount))

	// Middleware: Logging, Panic Recovery, Security Headers
	handler := withLogging(withRecovery(withSecureHeaders(mux)))

	// Use default port if addr is empty
	if addr == "" {
		addr = ":8090"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return s
}

// SetTLS configures the server to use TLS
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// SetAdminToken protects the management endpoints with a bearer token.
// Without one, management endpoints are open (standalone mode).
func (s *Server) SetAdminToken(token string) {
	s.adminTokenHash = hashToken(token)
}

// Handler returns the server's full middleware-wrapped handler. Test
// helper for httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		fmt.Printf(`{"level":"info","msg":"server_starting_tls","addr":"%s"}`+"\n", s.server.Addr)
		if err := s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile); err != http.ErrServerClosed {
			return err
		}
	} else {
		fmt.Printf(`{"level":"info","msg":"server_starting","addr":"%s"}`+"\n", s.server.Addr)
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	fmt.Println(`{"level":"info","msg":"server_stopping"}`)
	return s.server.Shutdown(ctx)
}

// handleReport ingests one report submission as one atomic batch.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()

	accountID, keyID, err := s.auth.AuthenticateReport(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportBody))
	if err != nil {
		writeError(w, r, apierror.BadRequest("failed to read request body: %w", err))
		return
	}

	req, err := report.ParseRequest(body)
	if err != nil {
		ReportTotal.WithLabelValues("rejected").Inc()
		writeError(w, r, err)
		return
	}

	batch := store.NewBatch()
	req.Apply(batch)

	if err := s.store.Submit(r.Context(), batch); err != nil {
		ReportTotal.WithLabelValues("failed").Inc()
		writeError(w, r, err)
		return
	}

	ReportTotal.WithLabelValues("ok").Inc()
	ReportOperationsTotal.Add(float64(batch.Len()))
	ReportDuration.Observe(time.Since(start).Seconds())
	fmt.Printf(`{"level":"info","msg":"report_ingested","trace_id":"%s","account_id":%d,"key_id":%d,"operations":%d}`+"\n",
		getTraceID(r.Context()), accountID, keyID, batch.Len())

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"operations": batch.Len(),
	})
}

// handleQuery serves snapshot queries at /v1/query/{filter}.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/v1/query/")
	filter, err := query.ParseFilter(name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	snap, err := query.Snapshot(r.Context(), s.store, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	QueryTotal.WithLabelValues(string(filter)).Inc()
	writeJSON(w, http.StatusOK, snap)
}

// handlePrincipalChain looks up one chain record by its encoded id.
func (s *Server) handlePrincipalChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	key := r.URL.Query().Get("id")
	if key == "" {
		writeError(w, r, apierror.BadRequest("missing id query parameter"))
		return
	}
	id, err := graph.DecodePrincipalChainKey(key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	chain, err := query.PrincipalChain(r.Context(), s.store, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// handleEnvironments replaces a resource's environment assignments.
func (s *Server) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID           resource.ID `json:"id"`
		Environments []string    `json:"environments"`
	}
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, r, apierror.BadRequest("invalid request body: %w", err))
		return
	}
	if len(req.ID) == 0 {
		writeError(w, r, apierror.BadRequest("id must not be empty"))
		return
	}

	if err := s.store.SetResourceEnvironments(r.Context(), req.ID, req.Environments); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReportAPIKeys lists keys or issues a new one.
func (s *Server) handleReportAPIKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		keys, err := s.store.ListReportAPIKeys(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"report_api_keys": keys})

	case http.MethodPost:
		var req struct {
			Description string `json:"description"`
			CreatedBy   string `json:"created_by"`
		}
		if err := decodeStrict(r.Body, &req); err != nil {
			writeError(w, r, apierror.BadRequest("invalid request body: %w", err))
			return
		}
		if req.CreatedBy == "" {
			req.CreatedBy = "api"
		}
		key, value, err := s.createReportAPIKey(r.Context(), req.Description, req.CreatedBy)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"report_api_key": key,
			"value":          value,
		})

	default:
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
	}
}

// createReportAPIKey issues a key for the deployment's account. Key id
// collisions are retried with a fresh random id.
func (s *Server) createReportAPIKey(ctx context.Context, description, createdBy string) (*store.ReportAPIKey, string, error) {
	account, err := s.store.GetAccount(ctx)
	if err != nil {
		return nil, "", err
	}
	privateKey, err := s.keys.Key(ctx)
	if err != nil {
		return nil, "", err
	}

	for attempt := 0; ; attempt++ {
		keyID, err := reportkey.NewKeyID()
		if err != nil {
			return nil, "", apierror.Internal("failed to generate key id: %w", err)
		}
		createdAt := time.Now().UTC()
		err = s.store.CreateReportAPIKey(ctx, keyID, description, createdBy, createdAt)
		if apierror.IsKind(err, apierror.KindConflict) && attempt < 3 {
			continue
		}
		if err != nil {
			return nil, "", err
		}

		value, err := reportkey.GenerateValue(privateKey, keyID, s.endpoint, account.Salt, account.ID)
		if err != nil {
			return nil, "", apierror.Internal("failed to generate report key value: %w", err)
		}
		return &store.ReportAPIKey{
			ID:          keyID,
			Description: description,
			CreatedAt:   createdAt,
			CreatedBy:   createdBy,
		}, value, nil
	}
}

// handleReportAPIKeyByID revokes one key at /v1/report-api-keys/{id}.
func (s *Server) handleReportAPIKeyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/v1/report-api-keys/")
	id64, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		writeError(w, r, apierror.BadRequest("invalid report api key id %q", idStr))
		return
	}

	revokedBy := r.URL.Query().Get("revoked_by")
	if revokedBy == "" {
		revokedBy = "api"
	}
	if err := s.store.RevokeReportAPIKey(r.Context(), uint32(id64), revokedBy, time.Now().UTC()); err != nil {
		writeError(w, r, err)
		return
	}
	s.auth.InvalidateKey(r.Context(), uint32(id64))
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleAccount initializes or deletes the deployment's account.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		account, err := s.store.GetAccount(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         account.ID,
			"created_at": account.CreatedAt,
			"created_by": account.CreatedBy,
		})

	case http.MethodPost:
		var req struct {
			CreatedBy string `json:"created_by"`
		}
		if r.ContentLength != 0 {
			if err := decodeStrict(r.Body, &req); err != nil {
				writeError(w, r, apierror.BadRequest("invalid request body: %w", err))
				return
			}
		}
		if req.CreatedBy == "" {
			req.CreatedBy = "api"
		}
		account, err := s.createAccount(r.Context(), req.CreatedBy)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":         account.ID,
			"created_at": account.CreatedAt,
			"created_by": account.CreatedBy,
		})

	case http.MethodDelete:
		deletedBy := r.URL.Query().Get("deleted_by")
		if deletedBy == "" {
			deletedBy = "api"
		}
		if err := s.store.DeleteAccount(r.Context(), deletedBy, time.Now().UTC()); err != nil {
			writeError(w, r, err)
			return
		}
		// The account may have owned the stored key material.
		s.keys.Invalidate()
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
	}
}

// createAccount provisions the single account of a deployment. Without
// an environment-configured private key, fresh key material is
// generated and stored on the account record.
func (s *Server) createAccount(ctx context.Context, createdBy string) (*store.Account, error) {
	accountID, err := reportkey.NewAccountID()
	if err != nil {
		return nil, apierror.Internal("failed to generate account id: %w", err)
	}
	salt, err := reportkey.NewSalt()
	if err != nil {
		return nil, apierror.Internal("failed to generate account salt: %w", err)
	}

	account := &store.Account{
		ID:        accountID,
		Salt:      salt,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
	}
	if _, err := s.keys.Key(ctx); err != nil {
		// No usable key material yet: generate and store it with the
		// account so the deployment is self-contained.
		privateKey, err := reportkey.NewPrivateKey()
		if err != nil {
			return nil, apierror.Internal("failed to generate private key: %w", err)
		}
		account.APIPrivateKey = privateKey
	}

	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	s.keys.Invalidate()
	return account, nil
}

// handleHealth returns simple status
func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Middleware: Admin Auth
func (s *Server) withAdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Skip check if no admin token configured (standalone mode)
		if s.adminTokenHash == "" {
			next(w, r)
			return
		}

		token, err := bearerToken(r)
		if err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		hash := hashToken(token)
		if subtle.ConstantTimeCompare([]byte(hash), []byte(s.adminTokenHash)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// Middleware: Panic Recovery
func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				fmt.Printf(`{"level":"error","msg":"panic_recovered","error":"%v","path":"%s"}`+"\n", err, r.URL.Path)
				http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}

		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		// Wrap writer to capture status code
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		fmt.Printf(`{"level":"info","msg":"http_request","trace_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`+"\n",
			traceID, r.Method, r.URL.Path, ww.status, duration.Milliseconds())
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback if random fails (unlikely)
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}

func decodeStrict(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Printf(`{"level":"error","msg":"response_encode_failed","error":"%v"}`+"\n", err)
	}
}

// writeError maps a classified error onto its HTTP status. Internal
// causes are logged, never returned to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apierror.KindOf(err)
	msg := kind.String()
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) && kind != apierror.KindInternal {
		msg = apiErr.Message()
	}
	if kind == apierror.KindInternal {
		fmt.Printf(`{"level":"error","msg":"request_failed","trace_id":"%s","path":"%s","error":"%v"}`+"\n",
			getTraceID(r.Context()), r.URL.Path, err)
	}
	writeJSON(w, kind.HTTPStatus(), map[string]string{
		"error":   kind.String(),
		"message": msg,
	})
}
