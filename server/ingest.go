package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	syncErrors "github.com/Swappnil85/finsync/errors"
	"github.com/Swappnil85/finsync/transport/httptransport"
)

// TokenValidator reports whether a bearer credential is currently valid.
// Credential issuance and refresh live outside this service.
type TokenValidator func(token string) bool

// Server is the HTTP ingest endpoint.
type Server struct {
	store     *Store
	router    *gin.Engine
	logger    *slog.Logger
	validate  TokenValidator
	pullLimit int
}

// Option configures a Server.
type Option func(*Server)

// WithTokenValidator enables bearer-token authentication on all routes.
func WithTokenValidator(v TokenValidator) Option {
	return func(s *Server) {
		s.validate = v
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMaxPullLimit caps the page size a client may request.
func WithMaxPullLimit(n int) Option {
	return func(s *Server) {
		s.pullLimit = n
	}
}

// New creates the ingest server over the given authoritative store.
func New(store *Store, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:     store,
		logger:    slog.New(slog.DiscardHandler),
		pullLimit: 500,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	sync := r.Group("/sync", s.requireAuth)
	sync.POST("/push", s.handlePush)
	sync.GET("/pull", s.handlePull)

	s.router = r
	return s
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requireAuth(c *gin.Context) {
	if s.validate == nil {
		return
	}
	auth := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || !s.validate(token) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, httptransport.ErrorResponse{Error: "invalid or expired credential"})
	}
}

func (s *Server) handlePush(c *gin.Context) {
	var req httptransport.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httptransport.ErrorResponse{Error: "malformed push body: " + err.Error()})
		return
	}

	resp, err := s.store.ApplyPush(c.Request.Context(), req)
	switch {
	case errors.Is(err, ErrBatchFailedValidation):
		c.JSON(http.StatusConflict, httptransport.ErrorResponse{Error: err.Error()})
	case syncErrors.CodeOf(err) == syncErrors.ErrCodeValidationFailure:
		c.JSON(http.StatusBadRequest, httptransport.ErrorResponse{Error: err.Error()})
	case err != nil:
		s.logger.Error("push failed", "batch_id", req.BatchID, "error", err)
		c.JSON(http.StatusInternalServerError, httptransport.ErrorResponse{Error: "internal error"})
	default:
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) handlePull(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, httptransport.ErrorResponse{Error: "invalid since parameter"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, httptransport.ErrorResponse{Error: "invalid limit parameter"})
		return
	}
	if limit > s.pullLimit {
		limit = s.pullLimit
	}

	resp, err := s.store.Pull(c.Request.Context(), since, limit)
	if err != nil {
		s.logger.Error("pull failed", "since", since, "error", err)
		c.JSON(http.StatusInternalServerError, httptransport.ErrorResponse{Error: "internal error"})
		return
	}
	if resp.Records == nil {
		resp.Records = []httptransport.WireRecord{}
	}
	c.JSON(http.StatusOK, resp)
}
