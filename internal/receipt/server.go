package receipt

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// limiterIdleTimeout is how long a user's upload limiter survives unused
	limiterIdleTimeout   = time.Hour
	limiterSweepInterval = 5 * time.Minute
)

// Server handles HTTP requests for receipts
type Server struct {
	service   *Service
	basicAuth BasicAuth
	mux       *http.ServeMux

	uploadLimit rate.Limit
	uploadBurst int
	limiterIdle time.Duration
	limiterMu   sync.Mutex
	limiters    map[string]*uploadLimiter
	stopSweep   chan struct{}
	stopOnce    sync.Once
}

type uploadLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithUploadRateLimit limits how fast each user can submit receipts.
// A non-positive burst disables the limit.
func WithUploadRateLimit(limit rate.Limit, burst int) ServerOption {
	return func(s *Server) {
		if burst <= 0 {
			s.uploadLimit = rate.Inf
			return
		}
		s.uploadLimit = limit
		s.uploadBurst = burst
		// An evicted limiter must have refilled anyway, or eviction would
		// hand out a fresh burst early.
		if limit > 0 && limit != rate.Inf {
			refill := time.Duration(float64(burst) / float64(limit) * float64(time.Second))
			if refill > s.limiterIdle {
				s.limiterIdle = refill
			}
		}
	}
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth, opts ...ServerOption) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux(), opts...)
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, mux *http.ServeMux, opts ...ServerOption) *Server {
	s := &Server{
		service:     service,
		basicAuth:   basicAuth,
		mux:         mux,
		uploadLimit: rate.Inf,
		limiterIdle: limiterIdleTimeout,
		limiters:    make(map[string]*uploadLimiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	if s.uploadLimit != rate.Inf {
		s.stopSweep = make(chan struct{})
		go s.sweepLimiters(limiterSweepInterval)
	}
	return s
}

// Stop ends the background cleanup of upload limiters. It is safe to call
// more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.stopSweep != nil {
			close(s.stopSweep)
		}
	})
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.basicAuth.Username)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(password), []byte(s.basicAuth.Password)) == 1
	return userMatch && passMatch
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Trust"`)
			writeJSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// allowUpload reports whether userID may submit another receipt now
func (s *Server) allowUpload(userID string) bool {
	if s.uploadLimit == rate.Inf {
		return true
	}
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	entry, ok := s.limiters[userID]
	if !ok {
		entry = &uploadLimiter{limiter: rate.NewLimiter(s.uploadLimit, s.uploadBurst)}
		s.limiters[userID] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// sweepLimiters periodically drops limiters of users who went quiet
func (s *Server) sweepLimiters(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictIdleLimiters(time.Now())
		case <-s.stopSweep:
			return
		}
	}
}

func (s *Server) evictIdleLimiters(now time.Time) {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	for userID, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > s.limiterIdle {
			delete(s.limiters, userID)
		}
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Receipts
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleSubmitReceipt))
	s.mux.HandleFunc("POST /api/receipts/ocr", s.requireAuth(s.handleScanReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("GET /api/receipts/pending-review", s.requireAuth(s.handlePendingReview))
	s.mux.HandleFunc("GET /api/receipts/check-duplicate", s.requireAuth(s.handleCheckDuplicate))
	s.mux.HandleFunc("POST /api/receipts/bulk-approve", s.requireAuth(s.handleBulkApprove))
	s.mux.HandleFunc("POST /api/receipts/bulk-reject", s.requireAuth(s.handleBulkReject))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("POST /api/receipts/{id}/review", s.requireAuth(s.handleReviewReceipt))
	s.mux.HandleFunc("POST /api/receipts/{id}/apply-cashback", s.requireAuth(s.handleApplyCashback))
	s.mux.HandleFunc("POST /api/receipts/{id}/expire", s.requireAuth(s.handleExpireReceipt))

	// Collaborator data
	s.mux.HandleFunc("PUT /api/config", s.requireAuth(s.handlePutGlobalConfig))
	s.mux.HandleFunc("PUT /api/venues/{id}/config", s.requireAuth(s.handlePutVenueConfig))
	s.mux.HandleFunc("PUT /api/merchants/{name}", s.requireAuth(s.handlePutMerchant))
	s.mux.HandleFunc("PUT /api/offers/{id}", s.requireAuth(s.handlePutOffer))
	s.mux.HandleFunc("PUT /api/users/{id}/card", s.requireAuth(s.handlePutCard))

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// ServeHTTP implements http.Handler. Every request, including preflight
// OPTIONS, goes through the CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux.ServeHTTP)(w, r)
}
