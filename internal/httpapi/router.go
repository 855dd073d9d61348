// Package httpapi is the gin request layer over core.Service.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"geoledger/internal/core"
	"geoledger/internal/metrics"
)

// AuthorHeader carries the author recorded on committed versions.
const AuthorHeader = "X-Author"

type Handler struct {
	svc *core.Service
	log logrus.FieldLogger
}

func NewHandler(svc *core.Service, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{svc: svc, log: log}
}

// NewRouter returns the engine serving every route of h.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.observe())
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.SpaceRouters(r)
	return r
}

func (h *Handler) SpaceRouters(r *gin.Engine) {
	spaces := r.Group("/spaces")
	{
		spaces.GET("", h.listSpaces)
		spaces.POST("", h.createSpace)
		spaces.GET("/:space", h.getSpace)
		spaces.PATCH("/:space", h.updateSpace)
		spaces.DELETE("/:space", h.deleteSpace)

		spaces.GET("/:space/features", h.readFeatures)
		spaces.GET("/:space/features/:id", h.readFeature)
		spaces.PUT("/:space/features", h.writeFeatures)
		spaces.POST("/:space/features", h.writeFeatures)
		spaces.PATCH("/:space/features", h.writeFeatures)
		spaces.DELETE("/:space/features", h.deleteFeatures)

		spaces.GET("/:space/refs/:ref", h.resolveRef)

		spaces.GET("/:space/changesets", h.changesets)
		spaces.GET("/:space/changesets/compact", h.compactChangeset)
		spaces.GET("/:space/changesets/statistics", h.statistics)
		spaces.DELETE("/:space/changesets", h.purge)
	}
	branches := r.Group("/spaces/:space/branches")
	{
		branches.GET("", h.listBranches)
		branches.POST("", h.createBranch)
		branches.GET("/:branch", h.getBranch)
		branches.DELETE("/:branch", h.deleteBranch)
		branches.POST("/:branch/rebase", h.rebaseBranch)
		branches.POST("/:branch/merge", h.mergeBranch)
	}
	tagRoutes := r.Group("/spaces/:space/tags")
	{
		tagRoutes.GET("", h.listTags)
		tagRoutes.POST("", h.createTag)
		tagRoutes.GET("/:tag", h.getTag)
		tagRoutes.PATCH("/:tag", h.updateTag)
		tagRoutes.DELETE("/:tag", h.deleteTag)
	}
}

func (h *Handler) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(c.Writer.Status())
		metrics.ObserveRequest("http", route, code, start)
		h.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"route":  route,
			"code":   code,
			"took":   time.Since(start),
		}).Debug("http request")
	}
}

func (h *Handler) health(c *gin.Context) {
	ok, detail := h.svc.Health(c.Request.Context())
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "UNAVAILABLE", "detail": detail})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK", "detail": detail})
}
