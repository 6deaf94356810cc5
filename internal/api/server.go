package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zombor/receiptsnap/internal/apperr"
	"github.com/zombor/receiptsnap/internal/clock"
	"github.com/zombor/receiptsnap/internal/device"
	"github.com/zombor/receiptsnap/internal/identity"
	"github.com/zombor/receiptsnap/internal/model"
	"github.com/zombor/receiptsnap/internal/notify"
	"github.com/zombor/receiptsnap/internal/receipt"
)

// Endpoint names, also used as the Cloud Functions paths
const (
	EndpointProcessReceipt = "process-receipt"
	EndpointUpdateFCMToken = "update-fcm-token"
	EndpointNotifyRenewals = "notify-renewals"
)

// maxBodySize bounds request bodies; base64 photos from phones are large
const maxBodySize = int64(50 << 20)

type ReceiptProcessor interface {
	ProcessReceipt(ctx context.Context, userID string, req receipt.Request) (*receipt.Result, error)
}

type DeviceRegistrar interface {
	Register(ctx context.Context, userID string, req device.Request) (*device.Registration, error)
}

type RenewalRunner interface {
	Run(ctx context.Context) (*notify.RunReport, error)
}

// UserStore records callers the first time they are seen
type UserStore interface {
	EnsureUser(ctx context.Context, u *model.User) error
}

// Services are the collaborators behind the endpoints
type Services struct {
	Receipts ReceiptProcessor
	Devices  DeviceRegistrar
	Renewals RenewalRunner
	Verifier identity.Verifier
	Users    UserStore
}

// Server handles HTTP requests for the receipt and reminder endpoints
type Server struct {
	services   Services
	cronSecret string
	logger     *zap.Logger
	timeSource clock.TimeSource
	mux        *http.ServeMux
	handlers   map[string]http.HandlerFunc
}

// NewServer creates a new Server with default mux. An empty cronSecret leaves
// notify-renewals open to the scheduler's network.
func NewServer(services Services, cronSecret string, logger *zap.Logger) *Server {
	return NewServerWithMux(services, cronSecret, logger, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(services Services, cronSecret string, logger *zap.Logger, mux *http.ServeMux) *Server {
	s := &Server{
		services:   services,
		cronSecret: cronSecret,
		logger:     logger,
		timeSource: clock.System{},
		mux:        mux,
	}
	s.handlers = map[string]http.HandlerFunc{
		EndpointProcessReceipt: s.handleProcessReceipt,
		EndpointUpdateFCMToken: s.handleUpdateFCMToken,
		EndpointNotifyRenewals: s.requireCronSecret(s.handleNotifyRenewals),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	for name, h := range s.handlers {
		s.mux.HandleFunc("POST /"+name, h)
	}
	s.mux.HandleFunc("/", s.handleUnmatched)
}

// handleUnmatched answers requests no endpoint pattern accepted
func (s *Server) handleUnmatched(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.handlers[strings.TrimPrefix(r.URL.Path, "/")]; ok {
		w.Header().Set("Allow", "POST, OPTIONS")
		s.writeError(w, r, apperr.Validation("Method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	s.writeError(w, r, apperr.Validation("Not found"), http.StatusNotFound)
}

// recoverMiddleware turns a handler panic into a JSON 500
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			s.logger.Error("Recovered from panic",
				zap.String("path", r.URL.Path),
				zap.String("panic", fmt.Sprint(v)),
				zap.Stack("stack"),
			)
			s.writeError(w, r, apperr.Internal(nil), 0)
		}()
		next.ServeHTTP(w, r)
	})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "authorization, content-type, x-client-info, apikey")
}

// corsMiddleware adds CORS headers and answers preflight requests
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corsMiddleware(s.recoverMiddleware(s.mux)).ServeHTTP(w, r)
}

// Function returns a single endpoint for hosts that route by function name
// rather than by path. Only POST and OPTIONS are accepted.
func (s *Server) Function(name string) http.HandlerFunc {
	h, ok := s.handlers[name]
	if !ok {
		panic("api: unknown endpoint " + name)
	}
	return corsMiddleware(s.recoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST, OPTIONS")
			s.writeError(w, r, apperr.Validation("Method not allowed"), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}))).ServeHTTP
}

// authenticate resolves the caller and makes sure a user row exists for them
func (s *Server) authenticate(r *http.Request) (*identity.User, error) {
	user, err := s.services.Verifier.Authenticate(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	err = s.services.Users.EnsureUser(r.Context(), &model.User{
		ID:                      user.ID,
		Email:                   user.Email,
		Timezone:                "UTC",
		NotificationPreferences: model.DefaultNotificationPreferences(),
		CreatedAt:               now,
		UpdatedAt:               now,
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return user, nil
}

// requireCronSecret guards scheduler endpoints when a shared secret is configured
func (s *Server) requireCronSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cronSecret == "" {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cronSecret)) != 1 {
			s.writeError(w, r, apperr.Unauthorized("Unauthorized"), 0)
			return
		}
		next(w, r)
	}
}

// Start serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 70*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
