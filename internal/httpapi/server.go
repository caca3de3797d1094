// Package httpapi provides the HTTP transport for patchvec.
//
// It is a thin collaborator over the service facade: requests are
// authenticated, decoded, and dispatched; results are rendered into the
// response envelope with the engine's error codes mapped to HTTP
// statuses.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rodrigopitanga/patchvec/internal/auth"
	"github.com/rodrigopitanga/patchvec/internal/config"
	"github.com/rodrigopitanga/patchvec/internal/pverr"
	"github.com/rodrigopitanga/patchvec/internal/service"
)

// authContextKey stores the resolved auth.Context in the echo context.
const authContextKey = "patchvec.auth"

// Server is the HTTP front-end.
type Server struct {
	echo     *echo.Echo
	svc      service.Service
	resolver auth.Resolver
	cfg      *config.Config
	logger   *zap.Logger
}

// New creates the HTTP server and registers its routes.
func New(svc service.Service, resolver auth.Resolver, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("auth resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, svc: svc, resolver: resolver, cfg: cfg, logger: logger.Named("http")}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.accessLogMiddleware())
	e.HTTPErrorHandler = s.errorHandler

	s.registerRoutes()
	return s, nil
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start runs the server until the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info("http server listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests within the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health/live", s.handleLive)
	s.echo.GET("/health/ready", s.handleReady)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/collections", s.authMiddleware)
	api.GET("/:tenant", s.handleListCollections)
	api.POST("/:tenant/:collection", s.handleCreateCollection)
	api.DELETE("/:tenant/:collection", s.handleDeleteCollection)
	api.PUT("/:tenant/:collection", s.handleRenameCollection)
	api.POST("/:tenant/:collection/documents", s.handleIngest)
	api.DELETE("/:tenant/:collection/documents/:docid", s.handleDeleteDocument)
	api.GET("/:tenant/:collection/search", s.handleSearchGet)
	api.POST("/:tenant/:collection/search", s.handleSearchPost)
	api.GET("/:tenant/:collection/archive", s.handleArchive)
	api.PUT("/:tenant/:collection/restore", s.handleRestore)
}

// accessLogMiddleware writes one structured line per request when the
// access log is enabled.
func (s *Server) accessLogMiddleware() echo.MiddlewareFunc {
	enabled := s.cfg.Log.AccessLog != ""
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if enabled {
				s.logger.Info("http request",
					zap.String("method", c.Request().Method),
					zap.String("uri", c.Request().RequestURI),
					zap.Int("status", c.Response().Status),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
				)
			}
			return err
		}
	}
}

// authMiddleware resolves the bearer token into an auth context.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := ""
		header := c.Request().Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
		ac, err := s.resolver.Resolve(token)
		if err != nil {
			return err
		}
		c.Set(authContextKey, ac)
		return next(c)
	}
}

// requireTenant enforces that the caller may act on tenant.
func (s *Server) requireTenant(c echo.Context, tenant string) error {
	ac, _ := c.Get(authContextKey).(*auth.Context)
	if !ac.Allowed(tenant) {
		return pverr.New(pverr.CodeForbidden, "token not authorised for tenant %q", tenant)
	}
	return nil
}

// errorEnvelope is the error response body.
type errorEnvelope struct {
	OK      bool           `json:"ok"`
	Code    string         `json:"code"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// errorHandler renders every error through the envelope, preserving the
// engine's code and mapping it to the HTTP status.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if ok := asHTTPError(err, &he); ok {
		code := pverr.CodeInternal
		switch he.Code {
		case http.StatusNotFound:
			code = pverr.CodeNotFound
		case http.StatusBadRequest, http.StatusMethodNotAllowed:
			code = pverr.CodeInvalidRequest
		}
		_ = c.JSON(he.Code, errorEnvelope{
			OK:    false,
			Code:  string(code),
			Error: fmt.Sprintf("%v", he.Message),
		})
		return
	}

	code := pverr.CodeOf(err)
	env := errorEnvelope{OK: false, Code: string(code), Error: err.Error()}
	var pe *pverr.Error
	if asPVErr(err, &pe) {
		env.Error = pe.Message
		env.Details = pe.Details
	}
	if code == pverr.CodeInternal {
		s.logger.Error("internal error", zap.Error(err))
	}
	_ = c.JSON(pverr.HTTPStatus(code), env)
}

func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(c echo.Context) error {
	// The engine owns its data directory; readiness means it listed
	// tenants without error.
	if _, err := s.svc.ListTenants(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleListCollections(c echo.Context) error {
	tenant := c.Param("tenant")
	if err := s.requireTenant(c, tenant); err != nil {
		return err
	}
	start := time.Now()
	names, err := s.svc.ListCollections(c.Request().Context(), tenant)
	if err != nil {
		return err
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"collections": names,
		"latency_ms":  sinceMS(start),
	})
}

func (s *Server) handleCreateCollection(c echo.Context) error {
	tenant, name := c.Param("tenant"), c.Param("collection")
	if err := s.requireTenant(c, tenant); err != nil {
		return err
	}
	start := time.Now()
	if err := s.svc.CreateCollection(c.Request().Context(), tenant, name); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"ok": true, "latency_ms": sinceMS(start)})
}

func (s *Server) handleDeleteCollection(c echo.Context) error {
	tenant, name := c.Param("tenant"), c.Param("collection")
	if err := s.requireTenant(c, tenant); err != nil {
		return err
	}
	start := time.Now()
	if err := s.svc.DeleteCollection(c.Request().Context(), tenant, name); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "latency_ms": sinceMS(start)})
}

// renameRequest is the PUT /collections/{t}/{c} body.
type renameRequest struct {
	NewName string `json:"new_name"`
}

func (s *Server) handleRenameCollection(c echo.Context) error {
	tenant, name := c.Param("tenant"), c.Param("collection")
	if err := s.requireTenant(c, tenant); err != nil {
		return err
	}
	var req renameRequest
	if err := c.Bind(&req); err != nil || req.NewName == "" {
		return pverr.New(pverr.CodeInvalidRequest, "body must carry new_name")
	}
	start := time.Now()
	if err := s.svc.RenameCollection(c.Request().Context(), tenant, name, req.NewName); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "latency_ms": sinceMS(start)})
}

func (s *Server) handleIngest(c echo.Context) error {
	tenant, name := c.Param("tenant"), c.Param("collection")
	if err := s.requireTenant(c, tenant); err != nil {
		return err
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return pverr.New(pverr.CodeInvalidRequest, "multipart field %q is required", "file")
	}
	f, err := fileHeader.Open()
	if err != nil {
		return pverr.Wrap(pverr.CodeInvalidRequest, err, "opening upload")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.cfg.Limits.Ingest.MaxBytes+1))
	if err != nil {
		return pverr.Wrap(pverr.CodeInternal, err, "reading upload")
	}

	req := service.IngestRequest{
		Data:        data,
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		DocID:       c.FormValue("docid"),
	}
	if metaJSON := c.FormValue("metadata"); metaJSON != "" {
		if err := decodeJSON(metaJSON, &req.Metadata); err != nil {
			return pverr.New(pverr.CodeInvalidRequest, "metadata must be a JSON object")
		}
	}
	if v := c.FormValue("csv_has_header"); v != "" {
		req.CSVHasHeader = v == "true" || v == "1"
	}
	if v := c.FormValue("csv_meta_cols"); v != "" {
		req.CSVMetaCols = strings.Split(v, ",")
	}
	if v := c.FormValue("csv_include_cols"); v != "" {
		if err := decodeJSON(v, &req.CSVIncludeCols); err != nil {
			return pverr.New(pverr.CodeInvalidRequest, "csv_include_cols must be a JSON object")
		}
	}

	res, err := s.svc.IngestDocument(c.Request().Context(), tenant, name, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	tenant, name := c.Param("tenant"), c.Param("collection")
	if err := s.requireTenant(c, tenant); err != nil {
		return err
	}
	res, err := s.svc.DeleteDocument(c.Request().Context(), tenant, name, c.Param("docid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleSearchGet(c echo.Context) error {
	tenant, name := c.Param("tenant"), c.Param("collection")
	if err := s.requireTenant(c, tenant); err != nil {
		return err
	}

	k := 10
	if kp := c.QueryParam("k"); kp != "" {
		parsed, err := strconv.Atoi(kp)
		if err != nil {
			return pverr.New(pverr.CodeInvalidRequest, "k must be an integer")
		}
		k = parsed
	}
	req := service.SearchRequest{
		Query:     c.QueryParam("q"),
		K:         k,
		RequestID: c.QueryParam("request_id"),
	}
	res, err := s.svc.Search(c.Request().Context(), tenant, name, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, normaliseSearch(res))
}

// searchRequestBody is the POST /collections/{t}/{c}/search body.
type searchRequestBody struct {
	Q         string         `json:"q"`
	K         int            `json:"k"`
	Filters   map[string]any `json:"filters"`
	RequestID string         `json:"request_id"`
}

func (s *Server) handleSearchPost(c echo.Context) error {
	tenant, name := c.Param("tenant"), c.Param("collection")
	if err := s.requireTenant(c, tenant); err != nil {
		return err
	}
	var body searchRequestBody
	if err := c.Bind(&body); err != nil {
		return pverr.New(pverr.CodeInvalidRequest, "malformed search body")
	}
	if body.K == 0 {
		body.K = 10
	}
	res, err := s.svc.Search(c.Request().Context(), tenant, name, service.SearchRequest{
		Query:     body.Q,
		K:         body.K,
		Filters:   body.Filters,
		RequestID: body.RequestID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, normaliseSearch(res))
}

func (s *Server) handleArchive(c echo.Context) error {
	tenant, name := c.Param("tenant"), c.Param("collection")
	if err := s.requireTenant(c, tenant); err != nil {
		return err
	}
	data, err := s.svc.Archive(c.Request().Context(), tenant, name)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%s_%s.tar.gz", tenant, name))
	return c.Blob(http.StatusOK, "application/gzip", data)
}

func (s *Server) handleRestore(c echo.Context) error {
	tenant, name := c.Param("tenant"), c.Param("collection")
	if err := s.requireTenant(c, tenant); err != nil {
		return err
	}
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return pverr.Wrap(pverr.CodeInvalidRequest, err, "reading archive body")
	}
	if err := s.svc.Restore(c.Request().Context(), tenant, name, data); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// normaliseSearch keeps the matches array non-null in JSON.
func normaliseSearch(res *service.SearchResult) *service.SearchResult {
	if res.Matches == nil {
		res.Matches = []service.Match{}
	}
	return res
}

func sinceMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
