package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/voicequeue/internal/breaker"
	"github.com/ChuLiYu/voicequeue/internal/broadcast"
	"github.com/ChuLiYu/voicequeue/internal/history"
	"github.com/ChuLiYu/voicequeue/internal/metrics"
	"github.com/ChuLiYu/voicequeue/internal/processor"
	"github.com/ChuLiYu/voicequeue/pkg/types"
)

const (
	ServiceName    = "voicequeue"
	ServiceVersion = "1.0.0"

	// UserHeader carries the identity set by the authenticating proxy.
	UserHeader = "X-User-ID"

	DefaultSuggestionLimit = 5
)

// Config tunes the HTTP gateway.
type Config struct {
	Port            int           `yaml:"port"`
	RateLimit       int           `yaml:"rate_limit"`  // requests per client per window
	RateWindow      time.Duration `yaml:"rate_window"` // e.g. 15m
	BodyLimit       string        `yaml:"body_limit"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	WSSendBuffer    int           `yaml:"ws_send_buffer"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Development adds the original error text to error responses.
	Development bool `yaml:"development"`
}

func DefaultConfig() Config {
	return Config{
		Port:            3000,
		RateLimit:       100,
		RateWindow:      15 * time.Minute,
		BodyLimit:       "10M",
		AllowedOrigins:  []string{"*"},
		WSSendBuffer:    broadcast.DefaultSendBuffer,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Languages is the processor surface behind the language endpoints.
type Languages interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
	Suggestions(language string, limit int) []string
	SupportedLanguages() []processor.LanguageInfo
	DetectLanguage(text string) string
}

// QueueStats reports queue counters for /health.
type QueueStats interface {
	Stats() map[string]interface{}
}

// Deps are the collaborators the HTTP layer routes to.
type Deps struct {
	Service   *Service
	Languages Languages
	History   history.Store
	Hub       *broadcast.Hub
	Breakers  *breaker.Registry
	Queue     QueueStats
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// ============================================================================
// Server - echo HTTP + WebSocket 入口
// ============================================================================

type Server struct {
	cfg      Config
	deps     Deps
	echo     *echo.Echo
	upgrader websocket.Upgrader
	log      *zap.Logger
	started  time.Time

	// hijacked websocket connections are not closed by echo's Shutdown
	connMu sync.Mutex
	conns  map[string]*broadcast.WSConn
	connWg sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = def.BodyLimit
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = def.AllowedOrigins
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		deps:       deps,
		echo:       echo.New(),
		log:        deps.Logger.Named("http"),
		started:    time.Now(),
		conns:      make(map[string]*broadcast.WSConn),
		baseCtx:    ctx,
		cancelBase: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if !containsWildcard(cfg.AllowedOrigins) {
		s.upgrader.CheckOrigin = s.originAllowed
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError
	s.middleware()
	s.routes()
	return s
}

func (s *Server) middleware() {
	e := s.echo
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				s.log.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			s.log.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.cfg.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, UserHeader},
	}))
	e.Use(middleware.BodyLimit(s.cfg.BodyLimit))
	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool { return c.Path() == "/ws" },
	}))

	window := s.cfg.RateWindow
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return !strings.HasPrefix(c.Request().URL.Path, "/api/")
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(float64(s.cfg.RateLimit) / window.Seconds()),
			Burst:     s.cfg.RateLimit,
			ExpiresIn: window,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "Unable to identify client")
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests,
				"Too many requests from this IP, please try again later.")
		},
	}))
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	e.GET("/ws", s.websocket)

	api := e.Group("/api/voice")
	api.POST("/process", s.process)
	api.GET("/status/:jobId", s.status)
	api.POST("/multilingual", s.multilingual)
	api.GET("/languages", s.languages)
	api.POST("/translate", s.translate)
	api.GET("/suggestions/:language", s.suggestions)
	api.GET("/history", s.history)
	api.GET("/history/stats", s.historyStats)
	api.GET("/history/search", s.historySearch)
	api.GET("/history/popular", s.historyPopular)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr and blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("http gateway listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes live websocket connections and
// waits for their handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.cancelBase()

	s.connMu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// ============================================================================
// 錯誤處理
// ============================================================================

type errorBody struct {
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
	Method    string `json:"method"`
	RequestID string `json:"requestId,omitempty"`
	Details   string `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// statusOf maps an error to its HTTP status and client-facing message.
func statusOf(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		}
		return he.Code, msg
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "Job not found"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("unhandled error",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Error(err))
	}

	body := errorBody{
		Message:   msg,
		Status:    code,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Path:      c.Request().URL.Path,
		Method:    c.Request().Method,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}
	if s.cfg.Development {
		body.Details = err.Error()
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, errorEnvelope{Error: body})
	}
	if werr != nil {
		s.log.Warn("failed to write error response", zap.Error(werr))
	}
}

func validation(msg string) error {
	return fmt.Errorf("%w: %s", types.ErrValidation, msg)
}

// ============================================================================
// 指令
// ============================================================================

func (s *Server) bindSubmit(c echo.Context) (SubmitRequest, error) {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return req, validation("invalid request body")
	}
	if uid := c.Request().Header.Get(UserHeader); uid != "" {
		req.UserID = uid
	}
	return req, nil
}

func (s *Server) process(c echo.Context) error {
	req, err := s.bindSubmit(c)
	if err != nil {
		return err
	}
	resp, err := s.deps.Service.Submit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) status(c echo.Context) error {
	resp, err := s.deps.Service.Status(types.JobID(c.Param("jobId")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) multilingual(c echo.Context) error {
	req, err := s.bindSubmit(c)
	if err != nil {
		return err
	}
	result, err := s.deps.Service.SubmitDirect(c.Request().Context(), req, nil)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// ============================================================================
// 語言
// ============================================================================

func (s *Server) languages(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"languages": s.deps.Languages.SupportedLanguages(),
	})
}

type translateRequest struct {
	Text         string `json:"text"`
	FromLanguage string `json:"fromLanguage"`
	ToLanguage   string `json:"toLanguage"`
}

func (s *Server) translate(c echo.Context) error {
	var req translateRequest
	if err := c.Bind(&req); err != nil {
		return validation("invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return validation("text is required")
	}
	if req.FromLanguage == "" {
		req.FromLanguage = s.deps.Languages.DetectLanguage(req.Text)
	}
	if req.ToLanguage == "" {
		req.ToLanguage = "en"
	}

	translated, err := s.deps.Languages.Translate(c.Request().Context(), req.Text, req.FromLanguage, req.ToLanguage)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"originalText":   req.Text,
		"translatedText": translated,
		"fromLanguage":   req.FromLanguage,
		"toLanguage":     req.ToLanguage,
	})
}

func (s *Server) suggestions(c echo.Context) error {
	limit, err := intParam(c, "limit", DefaultSuggestionLimit)
	if err != nil {
		return err
	}
	language := c.Param("language")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"suggestions": s.deps.Languages.Suggestions(language, limit),
		"language":    language,
	})
}

// ============================================================================
// 歷史
// ============================================================================

func (s *Server) userID(c echo.Context) string {
	if uid := c.Request().Header.Get(UserHeader); uid != "" {
		return uid
	}
	return c.QueryParam("userId")
}

func (s *Server) history(c echo.Context) error {
	f := history.Filter{UserID: s.userID(c), Intent: c.QueryParam("intent")}
	if f.UserID == "" {
		return validation("userId is required")
	}
	var err error
	if f.Limit, err = intParam(c, "limit", history.DefaultQueryLimit); err != nil {
		return err
	}
	if f.Offset, err = intParam(c, "offset", 0); err != nil {
		return err
	}
	if f.From, err = timeParam(c, "from"); err != nil {
		return err
	}
	if f.To, err = timeParam(c, "to"); err != nil {
		return err
	}

	rows, err := s.deps.History.Query(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []types.HistoryRecord{}
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) historyStats(c echo.Context) error {
	uid := s.userID(c)
	if uid == "" {
		return validation("userId is required")
	}
	stats, err := s.deps.History.AggregateStats(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) historySearch(c echo.Context) error {
	uid := s.userID(c)
	q := strings.TrimSpace(c.QueryParam("q"))
	if uid == "" || q == "" {
		return validation("userId and q are required")
	}
	limit, err := intParam(c, "limit", history.DefaultSearchLimit)
	if err != nil {
		return err
	}
	rows, err := s.deps.History.Search(c.Request().Context(), uid, q, limit)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []types.HistoryRecord{}
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) historyPopular(c echo.Context) error {
	limit, err := intParam(c, "limit", history.DefaultPopularLimit)
	if err != nil {
		return err
	}
	rows, err := s.deps.History.PopularCommands(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []history.PopularCommand{}
	}
	return c.JSON(http.StatusOK, rows)
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, validation(name + " must be a non-negative integer")
	}
	return n, nil
}

func timeParam(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, validation(name + " must be an RFC 3339 timestamp")
	}
	return t, nil
}

// ============================================================================
// 健康檢查
// ============================================================================

type healthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    float64                `json:"uptime"`
	Metrics   metrics.Snapshot       `json:"metrics"`
	Breakers  []breaker.Stats        `json:"breakers"`
	Queue     map[string]interface{} `json:"queue,omitempty"`
}

// health is "degraded" while any breaker is open; queued work is still accepted.
func (s *Server) health(c echo.Context) error {
	resp := healthResponse{
		Status:    "healthy",
		Service:   ServiceName,
		Version:   ServiceVersion,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Seconds(),
		Metrics:   s.deps.Metrics.Snapshot(),
		Breakers:  []breaker.Stats{},
	}
	if s.deps.Breakers != nil {
		resp.Breakers = s.deps.Breakers.Snapshot()
		for _, b := range resp.Breakers {
			if b.State == breaker.StateOpen.String() {
				resp.Status = "degraded"
			}
		}
	}
	if s.deps.Queue != nil {
		resp.Queue = s.deps.Queue.Stats()
	}
	return c.JSON(http.StatusOK, resp)
}

// ============================================================================
// WebSocket
// ============================================================================

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) websocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}
	conn := broadcast.NewWSConn(ws, s.cfg.WSSendBuffer, s.log)

	s.connMu.Lock()
	if s.baseCtx.Err() != nil {
		s.connMu.Unlock()
		conn.Close()
		return nil
	}
	s.conns[conn.ID()] = conn
	s.connWg.Add(1)
	s.connMu.Unlock()
	defer s.connWg.Done()

	s.deps.Metrics.ConnectionOpened()
	s.log.Debug("websocket connected", zap.String("conn_id", conn.ID()))

	ctx, cancel := context.WithCancel(s.baseCtx)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		s.deps.Hub.LeaveAll(conn)
		s.connMu.Lock()
		delete(s.conns, conn.ID())
		s.connMu.Unlock()
		s.deps.Metrics.ConnectionClosed()
		s.log.Debug("websocket disconnected", zap.String("conn_id", conn.ID()))
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		conn.WritePump()
	}()
	defer func() { <-pumpDone }()

	if err := conn.ReadLoop(func(msg broadcast.InboundMessage) {
		s.handleInbound(ctx, conn, msg, &inflight)
	}); err != nil {
		s.log.Debug("websocket read ended", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
	return nil
}

func (s *Server) handleInbound(ctx context.Context, conn *broadcast.WSConn, msg broadcast.InboundMessage, inflight *sync.WaitGroup) {
	switch msg.Type {
	case broadcast.MessageJoinUserRoom:
		var userID string
		if err := json.Unmarshal(msg.Data, &userID); err != nil || strings.TrimSpace(userID) == "" {
			s.log.Debug("join-user-room without user id", zap.String("conn_id", conn.ID()))
			return
		}
		s.deps.Hub.Join(conn, broadcast.UserTopic(userID))

	case broadcast.MessageVoiceCommand:
		var req SubmitRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			_ = conn.Send(errorEvent("", "", validation("invalid voice-command payload"), time.Now()))
			return
		}
		// 處理中不阻塞讀取迴圈
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			_, _ = s.deps.Service.SubmitDirect(ctx, req, conn)
		}()

	default:
		s.log.Debug("unknown websocket message", zap.String("type", msg.Type))
	}
}
