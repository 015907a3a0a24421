package slayers

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	pprofPrefix    = "/debug"
	apiHealthCheck = "/healthz"
	apiPathStats   = "/stats"
	apiPathRecent  = "/requests/:submitter_id"

	recentRequestsDefaultLimit = 20
	recentRequestsMaxLimit     = 100
)

const (
	xRequestIDHeader = "X-Request-ID"

	// ginBaseLoggerKey holds the API logger that request loggers are
	// derived from
	ginBaseLoggerKey = "base_logger"
)

// API is the health/stats HTTP server.
//
// Fields:
//   - config: Configuration for the API server.
//   - httpServer: The underlying HTTP server.
//   - listener: Network listener for the HTTP server.
//   - engine: Gin engine for routing HTTP requests.
//   - requestMetrics: Request counts, by method and path.
//   - logger: Logger for API-related events.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger
	bot              *Bot
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool           `json:"discord_gateway_connected"`
	StartedAt               time.Time      `json:"started_at"`
	Uptime                  string         `json:"uptime"`
	WorkersRunning          int64          `json:"workers_running"`
	RequestsInProgress      int64          `json:"requests_in_progress"`
	RequestsHandled         int64          `json:"requests_handled"`
	DiscordConnects         int64          `json:"discord_connects"`
	DiscordDisconnects      int64          `json:"discord_disconnects"`
	APIRequests             map[string]int `json:"api_requests,omitempty"`
}

type httpError struct {
	Error string `json:"error"`
}

// newAPI creates the gin engine and http server for the given bot. The
// server isn't started until Serve is called.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")

	if !b.config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         logger,
		bot:            b,
	}

	tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && b.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}
	var corsHandler gin.HandlerFunc
	if len(corsConfig.AllowOrigins) > 0 {
		if err = corsConfig.Validate(); err != nil {
			return nil, fmt.Errorf("invalid CORS config: %w", err)
		}
		corsHandler = cors.New(corsConfig)
	}

	if !b.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
	)
	if corsHandler != nil {
		r.Use(corsHandler)
	}

	r.GET(apiHealthCheck, api.healthCheck)
	r.HEAD(apiHealthCheck, api.healthCheck)
	r.GET(apiPathStats, api.stats)
	r.GET(apiPathRecent, api.recentRequests)

	if b.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}
	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down. TLS is used when a certificate was configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(
		ctx,
		"api listening",
		"addr", a.listener.Addr().String(),
		"tls", a.httpServer.TLSConfig != nil,
	)
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listener's address, once Serve has been called
func (a *API) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *API) metrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

// healthCheck reports the gateway connection and worker state.
//
// Responses:
//   - 200 OK: Returns the health check information in JSON format.
func (a *API) healthCheck(c *gin.Context) {
	b := a.bot
	resp := healthCheckResponse{
		StartedAt:          b.startedAt,
		WorkersRunning:     b.workersRunning.Load(),
		RequestsInProgress: b.requestsInProgress.Load(),
		RequestsHandled:    b.metricRequestsHandled.Load(),
		APIRequests:        a.metrics(),
	}
	if !b.startedAt.IsZero() {
		resp.Uptime = time.Since(b.startedAt).Round(time.Second).String()
	}
	if b.discord != nil {
		resp.DiscordGatewayConnected = b.discord.connected.Load()
		resp.DiscordConnects = b.discord.metricConnects.Load()
		resp.DiscordDisconnects = b.discord.metricDisconnects.Load()
	}
	c.JSON(http.StatusOK, resp)
}

// stats returns the request audit log summary.
//
// Responses:
//   - 200 OK: RequestStats in JSON format.
//   - 500 Internal Server Error: If the stats couldn't be queried.
func (a *API) stats(c *gin.Context) {
	logger := ginContextLogger(c)
	if a.bot.db == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "no database"})
		return
	}
	stats, err := getRequestStats(c.Request.Context(), a.bot.db, time.Now())
	if err != nil {
		logger.ErrorContext(c, "error getting stats", "error", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type recentRequestsQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

// recentRequests returns the latest audit log entries for a submitter,
// newest first.
//
// Query Parameters:
//   - limit: Maximum number of entries to return (default 20, max 100).
//
// Responses:
//   - 200 OK: A JSON array of RequestLog entries.
//   - 400 Bad Request: If the limit is invalid.
//   - 500 Internal Server Error: If the log couldn't be queried.
func (a *API) recentRequests(c *gin.Context) {
	logger := ginContextLogger(c)
	if a.bot.db == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "no database"})
		return
	}
	var q recentRequestsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = recentRequestsDefaultLimit
	}
	q.Limit = min(q.Limit, recentRequestsMaxLimit)

	ctx, cancel := withOperationTimeout(c.Request.Context())
	defer cancel()
	logs, err := recentRequests(ctx, a.bot.db, c.Param(columnSubmitterID), q.Limit)
	if err != nil {
		logger.ErrorContext(c, "error getting recent requests", "error", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, logs)
}

// requestIDMiddleware assigns a random ID to each request, returned in
// the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(16)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestLogger := slog.Default()
	if base, ok := c.Get(ginBaseLoggerKey); ok {
		if l, isLogger := base.(*slog.Logger); isLogger {
			requestLogger = l
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration, response status and any errors
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(ginBaseLoggerKey, logger)
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}
