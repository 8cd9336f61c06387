// Package api exposes the local control surface for the sync engine:
// a small HTTP API a companion UI polls for feed state and posts
// actions to. It binds to localhost and is not meant to be reachable
// from outside the device.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/internal/cache"
	"github.com/fairwaylabs/teebox/internal/feed"
	"github.com/fairwaylabs/teebox/internal/giftwrap"
	"github.com/fairwaylabs/teebox/internal/protocol"
	"github.com/fairwaylabs/teebox/pkg/logging"
)

// Router sets up the local API routes
type Router struct {
	orch    *feed.Orchestrator
	invites *giftwrap.Channel
	db      *cache.DB
	logger  *zap.Logger
}

// NewRouter creates the local API router
func NewRouter(orch *feed.Orchestrator, invites *giftwrap.Channel, db *cache.DB) *Router {
	return &Router{
		orch:    orch,
		invites: invites,
		db:      db,
		logger:  logging.WithComponent("api-router"),
	}
}

// SetupRoutes registers all routes on the engine
func (r *Router) SetupRoutes(engine *gin.Engine) {
	engine.GET("/health", r.healthHandler)

	engine.GET("/feed", r.getFeed)
	engine.POST("/feed/refresh", r.refreshFeed)
	engine.POST("/feed/page", r.loadPage)
	engine.POST("/feed/react/:id", r.react)

	engine.POST("/posts", r.createPost)
	engine.POST("/sessions", r.createSession)

	engine.GET("/invites", r.listInvites)
	engine.POST("/invites", r.sendInvite)
}

func (r *Router) healthHandler(c *gin.Context) {
	if err := r.db.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "DEGRADED",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "OK",
		"service": "teebox",
	})
}

// getFeed returns the current feed snapshot without touching the
// network; Refresh and LoadNextPage advance the state behind it.
func (r *Router) getFeed(c *gin.Context) {
	snap := r.orch.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"state":          snap.State.String(),
		"syncing":        snap.Syncing,
		"more_available": snap.MoreAvailable,
		"items":          snap.Items,
	})
}

func (r *Router) refreshFeed(c *gin.Context) {
	if err := r.orch.Refresh(c.Request.Context()); err != nil {
		r.logger.Warn("Refresh failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	r.getFeed(c)
}

func (r *Router) loadPage(c *gin.Context) {
	if err := r.orch.LoadNextPage(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	r.getFeed(c)
}

func (r *Router) react(c *gin.Context) {
	id := c.Param("id")
	if err := r.orch.React(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reacted": id})
}

type createPostRequest struct {
	Text   string   `json:"text" binding:"required"`
	Quoted []string `json:"quoted"`
}

func (r *Router) createPost(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := r.orch.PublishPost(c.Request.Context(), req.Text, req.Quoted...)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type createSessionRequest struct {
	protocol.SessionSummary
	TemplateEventID string `json:"template_event_id"`
	TemplateHash    string `json:"template_hash"`
}

func (r *Router) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	summary := req.SessionSummary
	summary.TemplateEventID = req.TemplateEventID
	summary.TemplateHash = req.TemplateHash
	id, err := r.orch.PublishSession(c.Request.Context(), summary)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (r *Router) listInvites(c *gin.Context) {
	var since *nostr.Timestamp
	if s, ok := parseTimestamp(c.Query("since")); ok {
		since = &s
	}

	received, err := r.invites.Read(c.Request.Context(), since, nil)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invites": received})
}

func parseTimestamp(raw string) (nostr.Timestamp, bool) {
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return nostr.Timestamp(n), true
}

type sendInviteRequest struct {
	Recipient    string `json:"recipient" binding:"required"`
	GroupID      string `json:"group_id" binding:"required"`
	TemplateHash string `json:"template_hash"`
	Note         string `json:"note"`
}

func (r *Router) sendInvite(c *gin.Context) {
	var req sendInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inv := giftwrap.Invite{
		GroupID:      req.GroupID,
		TemplateHash: req.TemplateHash,
		Note:         req.Note,
	}
	if err := r.invites.Send(c.Request.Context(), req.Recipient, inv); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"group_id": req.GroupID})
}
