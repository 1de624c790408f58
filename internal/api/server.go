// Package api exposes the cohort engine over HTTP: single patient
// evaluation, the compiled variable catalogue and stored run results.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jcvi-cohort-engine/internal/cohort"
	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/internal/middleware"
	"github.com/jcvi-cohort-engine/internal/results"
	"github.com/jcvi-cohort-engine/internal/rules"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP server
type Server struct {
	config domain.ServerConfig
	runner *cohort.Runner
	store  results.Store
	checks map[string]HealthCheck
	logger *logrus.Logger
	router *gin.Engine
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithResults enables the /runs endpoints backed by store.
func WithResults(store results.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithHealthCheck adds a named dependency probe to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer creates a new HTTP server instance
func NewServer(cfg domain.ServerConfig, runner *cohort.Runner, logger *logrus.Logger, opts ...Option) *Server {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestLogger(logger))

	server := &Server{
		config: cfg,
		runner: runner,
		checks: make(map[string]HealthCheck),
		logger: logger,
		router: router,
	}
	for _, opt := range opts {
		opt(server)
	}

	server.setupRoutes()

	return server
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/variables", s.handleVariables)
		v1.POST("/evaluate", s.handleEvaluate)

		if s.store != nil {
			v1.POST("/runs", s.handleStartRun)
			v1.GET("/runs", s.handleListRuns)
			v1.GET("/runs/:run_id/results", s.handleListResults)
			v1.GET("/runs/:run_id/results/:patient_id", s.handleGetResult)
			v1.GET("/runs/:run_id/export", s.handleExportRun)
			v1.DELETE("/runs/:run_id", s.handleDeleteRun)
		}
	}
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func statusFor(code string) int {
	switch code {
	case domain.ErrPatientNotFound:
		return http.StatusNotFound
	case domain.ErrValidation:
		return http.StatusBadRequest
	case domain.ErrEvaluation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := domain.ErrorCode(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.WithField("correlation_id", c.GetString(middleware.CorrelationIDKey)).
			WithError(err).Error("Request failed")
	}
	c.JSON(status, errorResponse{
		Error:         err.Error(),
		Code:          code,
		CorrelationID: c.GetString(middleware.CorrelationIDKey),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"checks":    checks,
	})
}

// variablesResponse lists the compiled variables of both study passes.
type variablesResponse struct {
	Groups     []rules.VariableInfo `json:"groups"`
	Covariates []rules.VariableInfo `json:"covariates"`
	References []string             `json:"references"`
}

func (s *Server) handleVariables(c *gin.Context) {
	st := s.runner.Study()
	groups := st.Groups.Graph()
	covariates := st.Covariates.Graph()

	internal := c.Query("internal") == "true"
	c.JSON(http.StatusOK, variablesResponse{
		Groups:     filterVariables(groups.Variables(), internal),
		Covariates: filterVariables(covariates.Variables(), internal),
		References: mergeUnique(groups.References(), covariates.References()),
	})
}

func filterVariables(vars []rules.VariableInfo, internal bool) []rules.VariableInfo {
	if internal {
		return vars
	}
	out := vars[:0:0]
	for _, v := range vars {
		if !v.Internal {
			out = append(out, v)
		}
	}
	return out
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// EvaluateRequest names a stored patient or carries one inline.
type EvaluateRequest struct {
	PatientID string          `json:"patient_id"`
	Patient   *domain.Patient `json:"patient"`
}

// EvaluateResponse is one evaluated row.
type EvaluateResponse struct {
	PatientID string        `json:"patient_id"`
	Columns   []string      `json:"columns"`
	Values    *rules.Result `json:"values"`
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, domain.NewValidationError("body", err.Error(), nil))
		return
	}

	var (
		row *rules.Result
		err error
	)
	switch {
	case req.Patient != nil:
		if req.Patient.ID == "" {
			s.fail(c, domain.NewValidationError("patient.id", "patient id is required", nil))
			return
		}
		row, err = s.runner.Evaluate(c.Request.Context(), req.Patient)
	case req.PatientID != "":
		row, err = s.runner.EvaluateID(c.Request.Context(), req.PatientID)
	default:
		s.fail(c, domain.NewValidationError("patient_id", "either patient_id or patient is required", nil))
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, EvaluateResponse{
		PatientID: row.PatientID,
		Columns:   row.Names,
		Values:    row,
	})
}

// StartRunRequest selects the patients of a synchronous run. An empty list
// runs every patient in the backend.
type StartRunRequest struct {
	PatientIDs []string `json:"patient_ids"`
}

func (s *Server) handleStartRun(c *gin.Context) {
	var req StartRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, domain.NewValidationError("body", err.Error(), nil))
			return
		}
	}

	var (
		summary *cohort.Summary
		err     error
	)
	if len(req.PatientIDs) == 0 {
		summary, err = s.runner.RunAll(c.Request.Context())
	} else {
		summary, err = s.runner.Run(c.Request.Context(), req.PatientIDs)
	}
	if err != nil && summary == nil {
		s.fail(c, err)
		return
	}
	if err != nil {
		s.logger.WithField("run_id", summary.RunID).WithError(err).Warn("Run finished with errors")
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.store.Runs(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func pageParams(c *gin.Context) (limit, offset int, err error) {
	limit = defaultPageSize
	if v := c.Query("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxPageSize {
			return 0, 0, domain.NewValidationError("limit", fmt.Sprintf("must be between 1 and %d", maxPageSize), v)
		}
	}
	if v := c.Query("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, domain.NewValidationError("offset", "must be a non-negative integer", v)
		}
	}
	return limit, offset, nil
}

func (s *Server) handleListResults(c *gin.Context) {
	runID := c.Param("run_id")
	limit, offset, err := pageParams(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	ctx := c.Request.Context()
	total, err := s.store.Count(ctx, runID)
	if err != nil {
		s.fail(c, err)
		return
	}
	records, err := s.store.List(ctx, runID, limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	if records == nil {
		records = []*results.Record{}
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":  runID,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"results": records,
	})
}

func (s *Server) handleGetResult(c *gin.Context) {
	rec, err := s.store.Get(c.Request.Context(), c.Param("run_id"), c.Param("patient_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if rec == nil {
		s.fail(c, fmt.Errorf("no result for patient %s: %w", c.Param("patient_id"), domain.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleExportRun(c *gin.Context) {
	runID := c.Param("run_id")
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+".json"))
	c.Status(http.StatusOK)
	if err := s.store.ExportJSON(c.Request.Context(), runID, c.Writer); err != nil {
		s.logger.WithField("run_id", runID).WithError(err).Error("Failed to export run")
	}
}

func (s *Server) handleDeleteRun(c *gin.Context) {
	runID := c.Param("run_id")
	deleted, err := s.store.DeleteRun(c.Request.Context(), runID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if deleted == 0 {
		c.JSON(http.StatusNotFound, errorResponse{
			Error:         fmt.Sprintf("run %s not found", runID),
			Code:          "RUN_NOT_FOUND",
			CorrelationID: c.GetString(middleware.CorrelationIDKey),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "deleted": deleted})
}
