package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/session"
)

func addApiHandlers(pm *ProxyManager) {
	apiGroup := pm.ginEngine.Group("/api")
	{
		apiGroup.GET("/sessions/:key", pm.apiGetSession)
		apiGroup.POST("/sessions/:key/reset", pm.apiResetSession)
		apiGroup.DELETE("/sessions/:key", pm.apiDeleteSession)
		apiGroup.POST("/sessions/:key/memory/clear", pm.apiClearMemoryZone)
		apiGroup.GET("/version", pm.apiGetVersion)
		apiGroup.GET("/config/path", pm.apiGetConfigPath)
	}
}

func (pm *ProxyManager) sessionUserID(c *gin.Context) string {
	if user := c.Query("user"); user != "" {
		return user
	}
	return "default"
}

func (pm *ProxyManager) withStoreCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), storeOpTimeout)
}

func (pm *ProxyManager) apiGetSession(c *gin.Context) {
	key := c.Param("key")
	userID := pm.sessionUserID(c)

	ctx, cancel := pm.withStoreCtx(c)
	defer cancel()
	sess, err := pm.store.Get(ctx, key, userID)
	if err != nil {
		pm.serviceUnavailable(c, err)
		return
	}
	if sess == nil {
		pm.sendErrorResponse(c, http.StatusNotFound, "session not found", "session_not_found")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":        sess.SessionID,
		"user_id":           sess.UserID,
		"history":           sess.History,
		"memory_zone":       sess.MemoryZone,
		"metadata":          sess.Metadata,
		"created_at":        sess.CreatedAt,
		"updated_at":        sess.UpdatedAt,
		"total_tokens_used": sess.TotalTokensUsed,
		"turn_count":        session.TurnCount(sess.History),
		"estimated_tokens":  session.EstimateTokens(sess.History),
	})
}

func (pm *ProxyManager) apiResetSession(c *gin.Context) {
	key := c.Param("key")
	userID := pm.sessionUserID(c)

	unlock := pm.sessionLocks.Lock(key)
	defer unlock()

	ctx, cancel := pm.withStoreCtx(c)
	defer cancel()
	switch err := pm.store.Reset(ctx, key, userID); err {
	case nil:
		c.JSON(http.StatusOK, gin.H{"msg": "ok"})
	case session.ErrNotFound:
		pm.sendErrorResponse(c, http.StatusNotFound, "session not found", "session_not_found")
	default:
		pm.serviceUnavailable(c, err)
	}
}

func (pm *ProxyManager) apiDeleteSession(c *gin.Context) {
	key := c.Param("key")
	userID := pm.sessionUserID(c)

	unlock := pm.sessionLocks.Lock(key)
	defer unlock()

	ctx, cancel := pm.withStoreCtx(c)
	defer cancel()
	if err := pm.store.Delete(ctx, key, userID); err != nil {
		pm.serviceUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

// apiClearMemoryZone is the only way memory-zone entries are removed short
// of deleting the whole session.
func (pm *ProxyManager) apiClearMemoryZone(c *gin.Context) {
	key := c.Param("key")
	userID := pm.sessionUserID(c)

	unlock := pm.sessionLocks.Lock(key)
	defer unlock()

	ctx, cancel := pm.withStoreCtx(c)
	defer cancel()
	sess, err := pm.store.Get(ctx, key, userID)
	if err != nil {
		pm.serviceUnavailable(c, err)
		return
	}
	if sess == nil {
		pm.sendErrorResponse(c, http.StatusNotFound, "session not found", "session_not_found")
		return
	}

	cleared := len(sess.MemoryZone)
	sess.MemoryZone = []string{}
	sess.UpdatedAt = time.Now().UTC()
	if err := pm.store.Put(ctx, sess); err != nil {
		pm.serviceUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "ok", "cleared": cleared})
}

func (pm *ProxyManager) apiGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":   pm.version,
		"commit":    pm.commit,
		"buildDate": pm.buildDate,
	})
}

func (pm *ProxyManager) apiGetConfigPath(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"path": pm.configPath})
}
