package directory

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/chainmail/internal/discovery"
)

type heartbeatRequest struct {
	URL  string `json:"url"`
	Port int    `json:"port"`
}

// Handler serves the directory HTTP API.
type Handler struct {
	repo   Repository
	tokens *discovery.TokenIssuer
	window time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewHandler creates a Handler. When tokens is non-nil every heartbeat must
// carry a valid bearer token.
func NewHandler(repo Repository, tokens *discovery.TokenIssuer, window time.Duration, logger *zap.Logger) *Handler {
	if window == 0 {
		window = DefaultActiveWindow
	}
	return &Handler{repo: repo, tokens: tokens, window: window, now: time.Now, logger: logger}
}

// Register mounts the directory routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/heartbeat", h.Heartbeat)
	rg.GET("/nodes", h.Nodes)
}

// Heartbeat handles POST /heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	req.URL = discovery.NormalizeURL(req.URL)
	if req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing URL"})
		return
	}

	if h.tokens != nil {
		tok := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		claims, err := h.tokens.Verify(tok)
		if err != nil || discovery.NormalizeURL(claims.NodeURL) != req.URL {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid heartbeat token"})
			return
		}
	}

	node, err := h.repo.Upsert(c.Request.Context(), req.URL, req.Port, h.now())
	if errors.Is(err, ErrMissingURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing URL"})
		return
	}
	if err != nil {
		h.logger.Error("upsert node", zap.String("url", req.URL), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DB error"})
		return
	}
	h.logger.Debug("heartbeat", zap.String("url", req.URL), zap.Int("port", req.Port))
	c.JSON(http.StatusOK, gin.H{"success": true, "node": node})
}

// Nodes handles GET /nodes, returning nodes seen within the active window.
func (h *Handler) Nodes(c *gin.Context) {
	nodes, err := h.repo.Active(c.Request.Context(), h.now().Add(-h.window))
	if err != nil {
		h.logger.Error("list nodes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DB error"})
		return
	}
	if nodes == nil {
		nodes = []discovery.Node{}
	}
	c.JSON(http.StatusOK, nodes)
}
