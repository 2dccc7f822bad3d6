package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/compat"
	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/config"
	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/session"
)

// SessionPolicy documents how incoming transcripts relate to stored history:
// the session's history is replaced by the request's messages, relying on the
// client to re-send prior turns. Reported by /health so clients can adapt.
const SessionPolicy = "replace"

// storeOpTimeout bounds every session-store call made on the request path.
const storeOpTimeout = 5 * time.Second

// KeyPolicy derives the session key from the caller-supplied user identity.
type KeyPolicy func(userID string) string

// DefaultKeyPolicy reproduces the historical derivation: a small hash space
// keyed off the user id. Deployments needing stronger isolation inject their
// own policy via SetKeyPolicy.
func DefaultKeyPolicy(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return fmt.Sprintf("session_%d", h.Sum32()%10000)
}

type ProxyManager struct {
	config    *config.Config
	ginEngine *gin.Engine

	proxyLogger *LogMonitor

	store         session.Store
	contextEngine *ContextEngine
	router        *Router
	sessionLocks  *keyedLocks
	keyPolicy     KeyPolicy

	watcher    *configWatcher
	configPath string

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	buildDate string
	commit    string
	version   string
}

func New(cfg *config.Config) (*ProxyManager, error) {
	proxyLogger := NewLogMonitorWriter(os.Stdout)
	proxyLogger.SetLogLevel(parseLogLevel(strings.ToLower(strings.TrimSpace(cfg.System.LogLevel))))
	if cfg.System.LogTimeFormat != "" {
		proxyLogger.SetLogTimeFormat(cfg.System.LogTimeFormat)
	}

	store, err := newSessionStore(cfg, proxyLogger)
	if err != nil {
		return nil, err
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	pm := &ProxyManager{
		config:      cfg,
		ginEngine:   gin.New(),
		proxyLogger: proxyLogger,

		store:        store,
		sessionLocks: newKeyedLocks(),
		keyPolicy:    DefaultKeyPolicy,

		configPath: "config.yaml",

		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,

		buildDate: "unknown",
		commit:    "unknown",
		version:   "0",
	}
	pm.router = NewRouter(cfg, proxyLogger)
	pm.contextEngine = NewContextEngine(proxyLogger, pm.router)

	pm.setupGinEngine()
	return pm, nil
}

func newSessionStore(cfg *config.Config, logger *LogMonitor) (session.Store, error) {
	ttl := time.Duration(cfg.System.SessionTTL) * time.Second
	switch cfg.Storage.Type {
	case "redis":
		opts, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Storage.RedisDB != 0 {
			opts.DB = cfg.Storage.RedisDB
		}
		return session.NewStore(session.StoreTypeRedis,
			session.WithRedisClient(redis.NewClient(opts)),
			session.WithTTL(ttl),
			session.WithLogger(logger),
		)
	default:
		return session.NewStore(session.StoreTypeMemory,
			session.WithTTL(ttl),
			session.WithLogger(logger),
		)
	}
}

// SetKeyPolicy replaces the session-key derivation. Must be called before
// serving traffic.
func (pm *ProxyManager) SetKeyPolicy(policy KeyPolicy) {
	if policy != nil {
		pm.keyPolicy = policy
	}
}

// SetVersionInfo records the build identity reported by /api/version.
func (pm *ProxyManager) SetVersionInfo(version, commit, buildDate string) {
	if version != "" {
		pm.version = version
	}
	if commit != "" {
		pm.commit = commit
	}
	if buildDate != "" {
		pm.buildDate = buildDate
	}
}

// WatchConfig starts change detection on the config file. Changes only log a
// restart reminder; the resolved configuration never mutates at runtime.
func (pm *ProxyManager) WatchConfig(path string) error {
	watcher, err := watchConfigFile(path, pm.proxyLogger)
	if err != nil {
		return err
	}
	pm.configPath = path
	pm.watcher = watcher
	return nil
}

func (pm *ProxyManager) setupGinEngine() {
	pm.ginEngine.Use(func(c *gin.Context) {
		start := time.Now()

		clientIP := c.ClientIP()
		method := c.Request.Method
		path := c.Request.URL.Path

		c.Next()

		pm.proxyLogger.Infof("Request %s \"%s %s %s\" %d %d \"%s\" %v",
			clientIP,
			method,
			path,
			c.Request.Proto,
			c.Writer.Status(),
			c.Writer.Size(),
			c.Request.UserAgent(),
			time.Since(start),
		)
	})

	// Permissive OPTIONS for any endpoint so browser clients can talk to the
	// middleware directly.
	pm.ginEngine.Use(func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			if headers := c.Request.Header.Get("Access-Control-Request-Headers"); headers != "" {
				c.Header("Access-Control-Allow-Headers", headers)
			} else {
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, X-Requested-With")
			}
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	pm.ginEngine.POST("/v1/chat/completions", pm.chatCompletionsHandler)
	pm.ginEngine.GET("/v1/models", pm.listModelsHandler)
	pm.ginEngine.GET("/health", pm.healthHandler)

	// see: proxymanager_api.go
	addApiHandlers(pm)

	gin.DisableConsoleColor()
}

// ServeHTTP implements http.Handler.
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pm.ginEngine.ServeHTTP(w, r)
}

// Shutdown releases background resources. In-flight requests are the HTTP
// server's responsibility.
func (pm *ProxyManager) Shutdown() {
	pm.proxyLogger.Debug("Shutdown() called in proxy manager")
	if pm.watcher != nil {
		pm.watcher.Close()
	}
	if err := pm.store.Close(); err != nil {
		pm.proxyLogger.Warnf("session store close failed: %v", err)
	}
	pm.shutdownCancel()
}

func (pm *ProxyManager) sendErrorResponse(c *gin.Context, statusCode int, message string, code string) {
	envelope := compat.NewErrorEnvelope(statusCode, message, code)
	c.JSON(statusCode, envelope)
}

func (pm *ProxyManager) chatCompletionsHandler(c *gin.Context) {
	requestID := uuid.NewString()

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, "could not read request body", "")
		return
	}
	bodyBytes, err := decodeRequestByContentEncoding(rawBody, c.Request.Header.Get("Content-Encoding"))
	if err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid compressed request body: %s", err.Error()), "")
		return
	}

	if err := compat.ValidateChatRequest(bodyBytes); err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, err.Error(), "")
		return
	}

	displayName := gjson.GetBytes(bodyBytes, "model").String()

	// Resolve before touching the session so an unknown model never mutates
	// state or reaches an upstream.
	provider, actualModel, ctxConfig, err := pm.router.Resolve(displayName)
	if err != nil {
		pm.sendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("model %q not found in configuration", displayName), "model_not_found")
		return
	}

	userID := strings.TrimSpace(gjson.GetBytes(bodyBytes, "user").String())
	if userID == "" {
		userID = "default"
	}
	sessionKey := pm.keyPolicy(userID)

	unlock := pm.sessionLocks.Lock(sessionKey)
	defer unlock()

	pm.proxyLogger.Event("api_call", map[string]any{
		"request_id":    requestID,
		"session_key":   sessionKey,
		"model":         displayName,
		"message_count": len(gjson.GetBytes(bodyBytes, "messages").Array()),
		"stream":        gjson.GetBytes(bodyBytes, "stream").Bool(),
	})

	storeCtx, cancel := context.WithTimeout(c.Request.Context(), storeOpTimeout)
	sess, err := pm.store.Get(storeCtx, sessionKey, userID)
	cancel()
	if err != nil {
		pm.serviceUnavailable(c, err)
		return
	}
	if sess == nil {
		sess = session.New(sessionKey, userID)
	}
	sess.History = messagesFromRequest(bodyBytes)

	if pm.contextEngine.ShouldReduce(sess.History, ctxConfig) {
		beforeTokens := session.EstimateTokens(sess.History)
		beforeMessages := len(sess.History)

		reduced, summary, err := pm.contextEngine.ApplyStrategy(c.Request.Context(), sess.History, ctxConfig)
		if err != nil {
			pm.sendErrorResponse(c, http.StatusInternalServerError, fmt.Sprintf("context reduction failed: %s", err.Error()), "")
			return
		}
		sess.History = reduced
		if summary != "" && ctxConfig.MemoryZone() {
			sess.MemoryZone = append(sess.MemoryZone, summary)
		}

		pm.proxyLogger.Event("context_reduction", map[string]any{
			"request_id":      requestID,
			"session_key":     sessionKey,
			"strategy":        string(ctxConfig.ReductionMode),
			"before_tokens":   beforeTokens,
			"after_tokens":    session.EstimateTokens(sess.History),
			"before_messages": beforeMessages,
			"after_messages":  len(sess.History),
			"summary_stored":  summary != "",
		})
	}

	// The reduced history must be durable before the provider sees it.
	storeCtx, cancel = context.WithTimeout(c.Request.Context(), storeOpTimeout)
	err = pm.store.Put(storeCtx, sess)
	cancel()
	if err != nil {
		pm.serviceUnavailable(c, err)
		return
	}

	outBody, err := sjson.SetBytes(bodyBytes, "messages", historyPayload(sess.History))
	if err != nil {
		pm.sendErrorResponse(c, http.StatusInternalServerError, fmt.Sprintf("error rewriting messages in request: %s", err.Error()), "")
		return
	}

	if gjson.GetBytes(outBody, "stream").Bool() {
		pm.streamCompletion(c, requestID, sess, provider, actualModel, displayName, outBody)
	} else {
		pm.bufferedCompletion(c, requestID, sess, provider, actualModel, displayName, outBody)
	}
}

func (pm *ProxyManager) bufferedCompletion(c *gin.Context, requestID string, sess *session.Session, provider config.Provider, actualModel, displayName string, body []byte) {
	respBody, err := pm.router.Dispatch(c.Request.Context(), provider, actualModel, body)
	if err != nil {
		pm.sendUpstreamError(c, requestID, sess.SessionID, err)
		return
	}

	assistant := gjson.GetBytes(respBody, "choices.0.message")
	if assistant.Exists() {
		sess.History = append(sess.History, session.Message{
			Role:      "assistant",
			Content:   assistant.Get("content").String(),
			Timestamp: time.Now().UTC(),
		})
	}
	usage := gjson.GetBytes(respBody, "usage")
	sess.TotalTokensUsed += int(usage.Get("total_tokens").Int())

	pm.writeSessionAfterResponse(sess)

	pm.proxyLogger.Event("api_completion", map[string]any{
		"request_id":        requestID,
		"session_key":       sess.SessionID,
		"model":             displayName,
		"prompt_tokens":     usage.Get("prompt_tokens").Int(),
		"completion_tokens": usage.Get("completion_tokens").Int(),
		"total_tokens":      usage.Get("total_tokens").Int(),
		"tokens_estimated":  false,
	})

	// Clients asked for the display name; hand it back instead of the
	// upstream's internal identifier.
	if rewritten, err := sjson.SetBytes(respBody, "model", displayName); err == nil {
		respBody = rewritten
	}
	c.Data(http.StatusOK, "application/json", respBody)
}

func (pm *ProxyManager) streamCompletion(c *gin.Context, requestID string, sess *session.Session, provider config.Provider, actualModel, displayName string, body []byte) {
	events, err := pm.router.StreamDispatch(c.Request.Context(), provider, actualModel, body)
	if err != nil {
		// Nothing has been written yet; answer with a plain error body.
		pm.sendUpstreamError(c, requestID, sess.SessionID, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	acc := &StreamAccumulator{}
	for ev := range events {
		if ev.Err != nil {
			pm.logUpstreamError(requestID, sess.SessionID, ev.Err)
			status := http.StatusBadGateway
			var provErr *ProviderError
			if !errors.As(ev.Err, &provErr) {
				status = http.StatusGatewayTimeout
			}
			envelope := compat.NewErrorEnvelope(status, ev.Err.Error(), "")
			if frame, err := sjson.SetBytes([]byte(`{}`), "error", envelope.Error); err == nil {
				c.Writer.Write([]byte("data: " + string(frame) + "\n\n"))
			}
			break
		}
		c.Writer.Write([]byte("data: "))
		c.Writer.Write(ev.Raw)
		c.Writer.Write([]byte("\n\n"))
		c.Writer.Flush()
		acc.Add(ev.Raw)
	}
	c.Writer.Write([]byte("data: [DONE]\n\n"))
	c.Writer.Flush()

	if c.Request.Context().Err() != nil {
		// Caller went away mid-stream: the upstream call is already canceled
		// and a partial assistant turn must not be recorded.
		pm.proxyLogger.Debugf("client disconnected during stream for session %s, discarding partial turn", sess.SessionID)
		return
	}

	content := acc.Content()
	reasoning := acc.Reasoning()
	if content == "" {
		content = reasoning
	}
	if content != "" {
		sess.History = append(sess.History, session.Message{
			Role:      "assistant",
			Content:   content,
			Timestamp: time.Now().UTC(),
		})
		pm.writeSessionAfterResponse(sess)
	}

	if len(reasoning) > 0 {
		pm.proxyLogger.Event("reasoning_detected", map[string]any{
			"request_id":       requestID,
			"session_key":      sess.SessionID,
			"model":            displayName,
			"reasoning_length": len(reasoning),
		})
	}

	pm.proxyLogger.Event("api_completion", map[string]any{
		"request_id":        requestID,
		"session_key":       sess.SessionID,
		"model":             displayName,
		"prompt_tokens":     session.EstimateTokens(sess.History),
		"completion_tokens": session.EstimateText(content),
		"chunks":            acc.Chunks(),
		"tokens_estimated":  true,
	})
}

// writeSessionAfterResponse persists the assistant turn. The response is
// already committed (or streaming) at this point, so a store failure is
// logged and never rolls the response back.
func (pm *ProxyManager) writeSessionAfterResponse(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := pm.store.Put(ctx, sess); err != nil {
		pm.proxyLogger.Warnf("post-response session write failed for %s: %v", sess.SessionID, err)
	}
}

func (pm *ProxyManager) serviceUnavailable(c *gin.Context, err error) {
	pm.proxyLogger.Errorf("session store unavailable: %v", err)
	c.Header("Retry-After", "1")
	pm.sendErrorResponse(c, http.StatusServiceUnavailable, "session storage is unavailable, retry shortly", "service_unavailable")
}

func (pm *ProxyManager) logUpstreamError(requestID, sessionKey string, err error) {
	var provErr *ProviderError
	var timeoutErr *TimeoutError
	switch {
	case errors.As(err, &provErr):
		pm.proxyLogger.Event("provider_error", map[string]any{
			"request_id":  requestID,
			"session_key": sessionKey,
			"provider":    provErr.Provider,
			"status":      provErr.StatusCode,
			"detail":      provErr.Detail,
		})
	case errors.As(err, &timeoutErr):
		pm.proxyLogger.Event("provider_error", map[string]any{
			"request_id":  requestID,
			"session_key": sessionKey,
			"provider":    timeoutErr.Provider,
			"error_type":  "timeout",
			"detail":      timeoutErr.Err.Error(),
		})
	default:
		pm.proxyLogger.Errorf("upstream dispatch failed: %v", err)
	}
}

func (pm *ProxyManager) sendUpstreamError(c *gin.Context, requestID, sessionKey string, err error) {
	pm.logUpstreamError(requestID, sessionKey, err)

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		status := provErr.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		pm.sendErrorResponse(c, status, err.Error(), "provider_error")
		return
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		pm.sendErrorResponse(c, http.StatusGatewayTimeout, err.Error(), "timeout_error")
		return
	}
	pm.sendErrorResponse(c, http.StatusInternalServerError, err.Error(), "")
}

func (pm *ProxyManager) listModelsHandler(c *gin.Context) {
	if origin := c.GetHeader("Origin"); origin != "" {
		c.Header("Access-Control-Allow-Origin", origin)
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   pm.router.ListModels(),
	})
}

func (pm *ProxyManager) healthHandler(c *gin.Context) {
	out := gin.H{
		"status":         "healthy",
		"storage":        pm.config.Storage.Type,
		"session_policy": SessionPolicy,
	}
	if pm.config.Storage.Type == "redis" {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		out["external_store_reachable"] = pm.store.Healthy(ctx) == nil
	}
	c.JSON(http.StatusOK, out)
}

// messagesFromRequest converts the request's messages array to session
// messages, stamping the receive time.
func messagesFromRequest(body []byte) []session.Message {
	items := gjson.GetBytes(body, "messages").Array()
	now := time.Now().UTC()
	out := make([]session.Message, 0, len(items))
	for _, item := range items {
		out = append(out, session.Message{
			Role:      item.Get("role").String(),
			Content:   item.Get("content").String(),
			Name:      item.Get("name").String(),
			Timestamp: now,
		})
	}
	return out
}

// historyPayload shapes session messages back into the OpenAI wire form.
func historyPayload(msgs []session.Message) []map[string]string {
	out := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]string{
			"role":    m.Role,
			"content": m.Content,
		}
		if m.Name != "" {
			entry["name"] = m.Name
		}
		out = append(out, entry)
	}
	return out
}

func truncateForLog(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...<truncated>"
}

func decodeRequestByContentEncoding(body []byte, encodingHeader string) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(encodingHeader))
	if encoding == "" || encoding == "identity" {
		return body, nil
	}

	// Handle headers such as "zstd, br" by taking the first encoding token.
	if idx := strings.Index(encoding, ","); idx > 0 {
		encoding = strings.TrimSpace(encoding[:idx])
	}

	switch encoding {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported content-encoding: %s", encoding)
	}
}
