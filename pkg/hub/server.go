package hub

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fedhub/pkg/lifecycle"
	"fedhub/pkg/policy"
	"fedhub/pkg/registry"
	"fedhub/pkg/types"
)

// Server is the hub's JSON admin API. It fronts the Hub operations for the
// CLI and for spoke heartbeat traffic, and mounts the websocket
// invalidation stream.
type Server struct {
	hub    *Hub
	router *gin.Engine
	logger *zap.Logger
}

// NewServer builds the gin router over a constructed hub.
func NewServer(h *Hub, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{hub: h, router: router, logger: logger}

	api := router.Group("/api/federation")
	{
		api.POST("/spokes", s.registerSpoke)
		api.GET("/spokes", s.listSpokes)
		api.GET("/spokes/:id", s.spokeStatus)
		api.POST("/spokes/:id/approve", s.transitionHandler(types.SpokeApproved))
		api.POST("/spokes/:id/suspend", s.transitionHandler(types.SpokeSuspended))
		api.POST("/spokes/:id/revoke", s.transitionHandler(types.SpokeRevoked))
		api.POST("/spokes/:id/heartbeat", s.heartbeat)
		api.POST("/spokes/:id/ack", s.acknowledge)
		api.POST("/spokes/:id/token", s.issueToken)
		api.POST("/policy/updates", s.pushPolicy)
		api.POST("/tenants/:code/policy", s.submitTenantPolicy)
		api.GET("/updates/stream", gin.WrapH(h.Broadcaster().Handler()))
	}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return s
}

// Router exposes the handler for serving and for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerSpoke(c *gin.Context) {
	var req RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reg, err := s.hub.RegisterSpoke(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reg)
}

func (s *Server) listSpokes(c *gin.Context) {
	entries, err := s.hub.SpokeOverview(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"registration": e.Registration,
			"sync":         e.Sync,
		})
	}
	c.JSON(http.StatusOK, gin.H{"spokes": out})
}

func (s *Server) spokeStatus(c *gin.Context) {
	status, err := s.hub.SpokeStatus(c.Request.Context(), types.SpokeID(c.Param("id")))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type transitionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) transitionHandler(to types.SpokeStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		// The reason is optional; an empty body is fine.
		var req transitionRequest
		_ = c.ShouldBindJSON(&req)

		spokeID := types.SpokeID(c.Param("id"))
		ctx := c.Request.Context()

		switch to {
		case types.SpokeApproved:
			summary, err := s.hub.ApproveSpoke(ctx, spokeID, req.Reason)
			if err != nil {
				s.renderError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": string(to), "cascade": summary})
		case types.SpokeSuspended:
			if err := s.hub.SuspendSpoke(ctx, spokeID, req.Reason); err != nil {
				s.renderError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": string(to)})
		case types.SpokeRevoked:
			summary, err := s.hub.RevokeSpoke(ctx, spokeID, req.Reason)
			if err != nil {
				s.renderError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": string(to), "cascade": summary})
		}
	}
}

type heartbeatRequest struct {
	Version string `json:"version"`
}

func (s *Server) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, delta, err := s.hub.Heartbeat(c.Request.Context(), types.SpokeID(c.Param("id")), req.Version)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sync": status, "updates": delta})
}

func (s *Server) acknowledge(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.hub.Acknowledge(c.Request.Context(), types.SpokeID(c.Param("id")), req.Version); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

func (s *Server) issueToken(c *gin.Context) {
	token, err := s.hub.IssueToken(c.Request.Context(), types.SpokeID(c.Param("id")))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, token)
}

type pushRequest struct {
	Layers      []string             `json:"layers"`
	Priority    types.UpdatePriority `json:"priority"`
	Description string               `json:"description"`
	Payload     []byte               `json:"payload,omitempty"`
}

func (s *Server) pushPolicy(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}

	update, err := s.hub.PushPolicyUpdate(c.Request.Context(), req.Layers, req.Priority, req.Description, req.Payload)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, update)
}

func (s *Server) submitTenantPolicy(c *gin.Context) {
	var fragment policy.TenantPolicyFragment
	if err := c.ShouldBindJSON(&fragment); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	update, err := s.hub.SubmitTenantPolicy(c.Request.Context(), types.InstanceCode(c.Param("code")), fragment)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, update)
}

// renderError maps domain errors onto HTTP statuses. Guardrail rejections
// carry the full violation list so the submitting spoke can show it.
func (s *Server) renderError(c *gin.Context, err error) {
	var gerr *policy.GuardrailError
	var terr *lifecycle.InvalidTransitionError

	switch {
	case errors.Is(err, registry.ErrSpokeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrDuplicateInstanceCode):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &terr):
		c.JSON(http.StatusConflict, gin.H{"error": terr.Error()})
	case errors.As(err, &gerr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      gerr.Error(),
			"violations": gerr.Violations,
		})
	default:
		s.logger.Error("Request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
