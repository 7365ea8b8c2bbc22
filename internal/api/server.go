package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stealth-dispatcher/internal/config"
	"github.com/stealth-dispatcher/internal/dispatcher"
	"github.com/stealth-dispatcher/internal/metrics"
	"github.com/stealth-dispatcher/internal/proxypool"
	"github.com/stealth-dispatcher/internal/scheduler"
	"github.com/stealth-dispatcher/internal/snapshot"
	"github.com/stealth-dispatcher/internal/tokens"
	"github.com/stealth-dispatcher/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Deps are the running components the API exposes
type Deps struct {
	Pool        *proxypool.Pool
	Credentials *tokens.Store
	Dispatcher  *dispatcher.Dispatcher
	Snapshot    *snapshot.Manager
	Metrics     *metrics.Collector
}

type Server struct {
	config      *config.Config
	deps        Deps
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter
	return limiter
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		deps:        deps,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(s.deps.Metrics.Handler()))
	}

	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/stat", s.handleStat)
	protected.GET("/proxies", s.handleProxies)
	protected.POST("/proxies/readmit", s.handleReadmit)
	protected.POST("/credentials", s.handleSupplyCredentials)
	protected.POST("/dispatch", s.handleDispatch)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.config.API.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// POST /dispatch waits for a scheduler slot, so writes are not bounded here
		IdleTimeout: 60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// route template keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.deps.Metrics.RecordAPIRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
		s.deps.Metrics.RecordAPIDuration(c.Request.Method, path, time.Since(start).Seconds())
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warnf("API key not set in %s, authentication disabled", s.config.API.APIKeyEnv)
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.GetLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	counts := s.deps.Pool.StateCounts()
	usable := s.deps.Credentials.Usable()
	eligible := counts[types.StateHealthy] + counts[types.StateDegraded]

	status := http.StatusOK
	state := "ok"
	if eligible == 0 || usable == 0 {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}

	c.JSON(status, gin.H{
		"status":                 state,
		"eligible_proxies":       eligible,
		"usable_credential_sets": usable,
	})
}

func (s *Server) handleStat(c *gin.Context) {
	snap := s.deps.Snapshot.Build()

	c.JSON(http.StatusOK, gin.H{
		"proxies":     s.deps.Pool.StateCounts(),
		"credentials": snap.Credentials,
		"scheduler":   snap.Scheduler,
		"totals":      snap.Totals,
		"updated":     snap.Updated.Format(time.RFC3339),
	})
}

func (s *Server) handleProxies(c *gin.Context) {
	endpoints := s.deps.Pool.Endpoints()

	if state := c.Query("state"); state != "" {
		filtered := make([]types.EndpointStats, 0, len(endpoints))
		for _, e := range endpoints {
			if string(e.State) == state {
				filtered = append(filtered, e)
			}
		}
		endpoints = filtered
	}

	wantsJSON := c.Query("format") == "json" || strings.Contains(c.GetHeader("Accept"), "application/json")
	if !wantsJSON {
		var result strings.Builder
		for _, e := range endpoints {
			result.WriteString(e.Address)
			result.WriteString(" ")
			result.WriteString(string(e.State))
			result.WriteString("\n")
		}
		c.String(http.StatusOK, result.String())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":   len(endpoints),
		"proxies": endpoints,
	})
}

type readmitRequest struct {
	Address string `json:"address" binding:"required"`
}

func (s *Server) handleReadmit(c *gin.Context) {
	var req readmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}

	ep, ok := s.deps.Pool.Lookup(req.Address)
	if !ok {
		addr, err := proxypool.ParseAddress(req.Address)
		if err == nil {
			ep, ok = s.deps.Pool.Get(addr)
		}
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown proxy endpoint"})
		return
	}

	readmitted, err := s.deps.Pool.Readmit(ep.Address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.WithField("address", ep.Address.Redacted()).Infof("Readmit requested via API, readmitted=%t", readmitted)
	c.JSON(http.StatusOK, gin.H{
		"address":    ep.Address.Redacted(),
		"readmitted": readmitted,
	})
}

type credentialsRequest struct {
	Credentials map[string]string `json:"credentials" binding:"required"`
}

func (s *Server) handleSupplyCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credentials object is required"})
		return
	}

	values := make(map[tokens.Kind]string, len(req.Credentials))
	for name, value := range req.Credentials {
		kind, err := tokens.ParseKind(name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		values[kind] = value
	}

	set, err := s.deps.Credentials.Supply(values)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kinds := make([]string, 0, len(set.Credentials))
	for _, cred := range set.Credentials {
		kinds = append(kinds, string(cred.Kind))
	}
	c.JSON(http.StatusCreated, gin.H{
		"set":    set.ID,
		"kinds":  kinds,
		"usable": s.deps.Credentials.Usable(),
	})
}

type dispatchRequest struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	URL    string            `json:"url" binding:"required"`
	Header map[string]string `json:"header"`
	Body   string            `json:"body"`
}

func (s *Server) handleDispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	spec := dispatcher.RequestSpec{
		ID:     req.ID,
		Method: strings.ToUpper(req.Method),
		URL:    req.URL,
		Header: req.Header,
	}
	if req.Body != "" {
		spec.Body = []byte(req.Body)
	}

	resp, err := s.deps.Dispatcher.Execute(c.Request.Context(), spec)
	if err != nil {
		status, body := dispatchFailure(err)
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status_code":    resp.StatusCode,
		"header":         resp.Header,
		"body":           string(resp.Body),
		"latency_ms":     resp.Latency.Milliseconds(),
		"endpoint":       resp.Endpoint,
		"credential_set": resp.CredentialSet,
		"attempts":       resp.Attempts,
	})
}

func dispatchFailure(err error) (int, gin.H) {
	var dispatchErr *dispatcher.DispatchError
	switch {
	case errors.As(err, &dispatchErr):
		status := http.StatusBadGateway
		if dispatchErr.Recoverable() {
			status = http.StatusTooManyRequests
		}
		return status, gin.H{
			"error":       dispatchErr.Error(),
			"kind":        dispatchErr.Kind,
			"attempts":    dispatchErr.Attempts,
			"status_code": dispatchErr.StatusCode,
			"recoverable": dispatchErr.Recoverable(),
		}
	case dispatcher.IsFatal(err):
		return http.StatusServiceUnavailable, gin.H{"error": err.Error(), "fatal": true}
	case errors.Is(err, scheduler.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, gin.H{"error": err.Error(), "recoverable": true}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, gin.H{"error": err.Error()}
	default:
		return http.StatusInternalServerError, gin.H{"error": err.Error()}
	}
}
