package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatrelay/internal/config"
	"chatrelay/internal/relay"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	// responses may only be written once the upstream call has finished or timed out
	writeTimeoutSlack = 15 * time.Second
)

const contentSecurityPolicy = "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; " +
	"connect-src 'self'; img-src 'self' data:; frame-ancestors 'none'; form-action 'self'"

// ChatHandler relays one chat turn.
type ChatHandler interface {
	HandleChat(ctx context.Context, req relay.ChatRequest) (relay.Result, error)
}

type Server struct {
	cfg     config.Config
	chat    ChatHandler
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, chat ChatHandler) (*Server, error) {
	if chat == nil {
		return nil, errors.New("chat handler must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: contentSecurityPolicy,
	}))

	srv := &Server{
		cfg:     cfg,
		chat:    chat,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg)
	slog.Info("starting server",
		"addr", s.address,
		"model", s.cfg.Upstream.Model,
		"upstream", s.cfg.Upstream.URL,
	)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: s.cfg.Upstream.Timeout + writeTimeoutSlack,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	cors := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.cfg.Server.CORSOrigins,
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	})

	s.app.GET("/health", s.handleHealth)
	s.app.Match([]string{http.MethodPost, http.MethodOptions}, "/chat", s.handleChat, cors)
	s.app.File("/", filepath.Join(s.cfg.Server.StaticDir, "index.html"))
	s.app.Static("/static", s.cfg.Server.StaticDir)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type chatResponse struct {
	Reply string          `json:"reply"`
	Raw   json.RawMessage `json:"raw"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req relay.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	res, err := s.chat.HandleChat(c.Request().Context(), req)
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusOK, chatResponse{Reply: res.Reply, Raw: res.Raw})
}

// decodeRequestBody reads a single JSON value. An empty body decodes as the zero value
// so that a bare POST is reported as a missing message rather than a syntax error.
func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: "Request body too large",
				Details: fmt.Sprintf("limit is %d bytes", maxErr.Limit),
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "Invalid JSON payload",
			Details: err.Error(),
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "Invalid JSON payload",
			Details: "request body must contain a single JSON object",
		}
	}
	return nil
}

// requestError carries everything needed to render the JSON error envelope.
type requestError struct {
	Status  int
	Message string
	Details string
	Raw     json.RawMessage
}

func (e requestError) Error() string {
	if e.Details == "" {
		return e.Message
	}
	return e.Message + ": " + e.Details
}

type errorBody struct {
	Error   string          `json:"error"`
	Details string          `json:"details,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

func writeError(c echo.Context, reqErr requestError) error {
	return c.JSON(reqErr.Status, errorBody{
		Error:   reqErr.Message,
		Details: reqErr.Details,
		Raw:     reqErr.Raw,
	})
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, requestError{
			Status:  he.Code,
			Message: fmt.Sprint(he.Message),
		})
		return
	}

	slog.Error("unhandled request error", "uri", c.Request().RequestURI, "err", err)
	_ = writeError(c, requestError{
		Status:  http.StatusInternalServerError,
		Message: relay.ServerError.Message(),
		Details: err.Error(),
	})
}

func toHTTPError(err error) error {
	var relayErr *relay.Error
	if errors.As(err, &relayErr) {
		return requestError{
			Status:  relayErr.Category.HTTPStatus(),
			Message: relayErr.Category.Message(),
			Details: relayErr.Details,
			Raw:     relayErr.Raw,
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: relay.ServerError.Message(),
		Details: err.Error(),
	}
}

func printStartupBanner(cfg config.Config) {
	host := "127.0.0.1"
	port := cfg.Server.Port
	fmt.Println()
	fmt.Println("chatrelay ready")
	fmt.Printf("Listening on http://%s:%d (model %s)\n", host, port, cfg.Upstream.Model)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /")
	fmt.Println("  GET  /health")
	fmt.Println("  POST /chat")
	fmt.Printf("Example:\n  curl http://%s:%d/chat -H 'Content-Type: application/json' -d '{\"message\":\"hello\",\"history\":[]}'\n\n", host, port)
}
