package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/config"
	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/session"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func newTestProxyManager(t *testing.T, upstream http.HandlerFunc, mutate func(*config.Config)) (*ProxyManager, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		System:  config.SystemConfig{LogLevel: "error", SessionTTL: 60, Port: 8000},
		Storage: config.StorageConfig{Type: "memory"},
		Context: config.ContextDefaults{
			DefaultMaxTurns:      10,
			DefaultMaxTokens:     100000,
			DefaultReductionMode: config.ModeTruncation,
			SummarizationPrompt:  config.DefaultSummarizationPrompt,
		},
		Providers: []config.Provider{
			{Name: "openai", BaseURL: server.URL, APIKey: "test-key", ProviderType: config.ProviderTypeOpenAI, Timeout: 5},
		},
		ModelMappings: []config.ModelMapping{
			{DisplayName: "official/gpt-4", ProviderName: "openai", ActualModelName: "gpt-4"},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	pm, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(pm.Shutdown)
	return pm, server
}

func doRequest(pm *ProxyManager, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	pm.ServeHTTP(w, req)
	return w
}

func getSession(t *testing.T, pm *ProxyManager, userID string) *session.Session {
	t.Helper()
	sess, err := pm.store.Get(context.Background(), DefaultKeyPolicy(userID), userID)
	require.NoError(t, err)
	return sess
}

func TestChatCompletionBuffered(t *testing.T) {
	var upstreamModel string
	pm, _ := newTestProxyManager(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstreamModel = gjson.GetBytes(body, "model").String()
		okCompletion("Hello")(w, r)
	}, nil)

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"official/gpt-4","messages":[{"role":"user","content":"Hi"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello", gjson.Get(w.Body.String(), "choices.0.message.content").String())
	// The client asked for the display name; it gets it back.
	assert.Equal(t, "official/gpt-4", gjson.Get(w.Body.String(), "model").String())
	assert.Equal(t, "gpt-4", upstreamModel)

	sess := getSession(t, pm, "default")
	require.NotNil(t, sess)
	assert.Equal(t, "default", sess.UserID)
	require.Len(t, sess.History, 2)
	assert.Equal(t, "user", sess.History[0].Role)
	assert.Equal(t, "Hi", sess.History[0].Content)
	assert.Equal(t, "assistant", sess.History[1].Role)
	assert.Equal(t, "Hello", sess.History[1].Content)
	assert.Equal(t, 2, sess.TotalTokensUsed)
}

func TestChatCompletionTruncatesLongConversation(t *testing.T) {
	pm, _ := newTestProxyManager(t, okCompletion("ok"), nil)

	var sb strings.Builder
	sb.WriteString(`{"model":"official/gpt-4","messages":[{"role":"system","content":"be brief"}`)
	for i := 0; i < 11; i++ {
		fmt.Fprintf(&sb, `,{"role":"user","content":"q%d"},{"role":"assistant","content":"a%d"}`, i, i)
	}
	sb.WriteString(`,{"role":"user","content":"new question"}]}`)

	w := doRequest(pm, "POST", "/v1/chat/completions", sb.String())
	require.Equal(t, http.StatusOK, w.Code)

	sess := getSession(t, pm, "default")
	require.NotNil(t, sess)

	// system + newest 20 + the assistant reply appended after dispatch.
	require.Len(t, sess.History, 22)
	assert.Equal(t, "system", sess.History[0].Role)
	assert.Equal(t, "new question", sess.History[20].Content)
	assert.Equal(t, "ok", sess.History[21].Content)
	assert.Equal(t, 10, session.TurnCount(sess.History[:21]))
}

func TestChatCompletionSummarizationFallback(t *testing.T) {
	var summarizeCalls, chatCalls atomic.Int32
	pm, _ := newTestProxyManager(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "model").String() == "gpt-3.5-turbo" {
			summarizeCalls.Add(1)
			http.Error(w, "summarizer down", http.StatusInternalServerError)
			return
		}
		chatCalls.Add(1)
		okCompletion("still works")(w, r)
	}, func(cfg *config.Config) {
		cfg.ModelMappings = append(cfg.ModelMappings, config.ModelMapping{
			DisplayName: "official/gpt-3.5", ProviderName: "openai", ActualModelName: "gpt-3.5-turbo",
		})
		cfg.ModelMappings[0].ContextConfig = &config.ContextConfig{
			MaxTurns:           2,
			MaxTokens:          100000,
			ReductionMode:      config.ModeSummarization,
			SummarizationModel: "official/gpt-3.5",
		}
	})

	var sb strings.Builder
	sb.WriteString(`{"model":"official/gpt-4","messages":[{"role":"user","content":"q0"},{"role":"assistant","content":"a0"}`)
	for i := 1; i < 6; i++ {
		fmt.Fprintf(&sb, `,{"role":"user","content":"q%d"},{"role":"assistant","content":"a%d"}`, i, i)
	}
	sb.WriteString(`]}`)

	w := doRequest(pm, "POST", "/v1/chat/completions", sb.String())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "still works", gjson.Get(w.Body.String(), "choices.0.message.content").String())
	assert.Equal(t, int32(1), summarizeCalls.Load())
	assert.Equal(t, int32(1), chatCalls.Load())

	// Fallback truncation produced no summary.
	sess := getSession(t, pm, "default")
	require.NotNil(t, sess)
	assert.Empty(t, sess.MemoryZone)
}

func TestChatCompletionSummarizationStoresMemoryZone(t *testing.T) {
	pm, _ := newTestProxyManager(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "model").String() == "gpt-3.5-turbo" {
			okCompletion("earlier the user asked basic questions")(w, r)
			return
		}
		okCompletion("answer")(w, r)
	}, func(cfg *config.Config) {
		cfg.ModelMappings = append(cfg.ModelMappings, config.ModelMapping{
			DisplayName: "official/gpt-3.5", ProviderName: "openai", ActualModelName: "gpt-3.5-turbo",
		})
		cfg.ModelMappings[0].ContextConfig = &config.ContextConfig{
			MaxTurns:           2,
			MaxTokens:          100000,
			ReductionMode:      config.ModeSummarization,
			SummarizationModel: "official/gpt-3.5",
		}
	})

	var sb strings.Builder
	sb.WriteString(`{"model":"official/gpt-4","messages":[{"role":"user","content":"q0"},{"role":"assistant","content":"a0"}`)
	for i := 1; i < 6; i++ {
		fmt.Fprintf(&sb, `,{"role":"user","content":"q%d"},{"role":"assistant","content":"a%d"}`, i, i)
	}
	sb.WriteString(`]}`)

	w := doRequest(pm, "POST", "/v1/chat/completions", sb.String())
	require.Equal(t, http.StatusOK, w.Code)

	sess := getSession(t, pm, "default")
	require.NotNil(t, sess)
	require.Len(t, sess.MemoryZone, 1)
	assert.Equal(t, "earlier the user asked basic questions", sess.MemoryZone[0])

	// The summary rides at the head of the reduced history as a marked
	// system message.
	require.NotEmpty(t, sess.History)
	assert.True(t, strings.HasPrefix(sess.History[0].Content, summaryMessagePrefix))
}

func TestChatCompletionStreaming(t *testing.T) {
	frames := []string{
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4","choices":[{"index":0,"delta":{"reasoning_content":"Let me think"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4","choices":[{"index":0,"delta":{"content":"42","x_custom":"kept"}}]}`,
	}
	pm, _ := newTestProxyManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}, nil)

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"official/gpt-4","messages":[{"role":"user","content":"What is the answer?"}],"stream":true}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	body := w.Body.String()
	// Frames pass through verbatim, unknown delta fields included, and the
	// sequence ends with [DONE].
	for _, frame := range frames {
		assert.Contains(t, body, "data: "+frame+"\n\n")
	}
	assert.Less(t, strings.Index(body, frames[0]), strings.Index(body, frames[1]))
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	sess := getSession(t, pm, "default")
	require.NotNil(t, sess)
	require.Len(t, sess.History, 2)
	assert.Equal(t, "assistant", sess.History[1].Role)
	assert.Equal(t, "42", sess.History[1].Content)
}

func TestChatCompletionStreamingReasoningOnly(t *testing.T) {
	pm, _ := newTestProxyManager(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4","choices":[{"index":0,"delta":{"thinking":"chain of thought"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}, nil)

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"official/gpt-4","messages":[{"role":"user","content":"Hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	// With no content deltas the accumulated reasoning becomes the turn.
	sess := getSession(t, pm, "default")
	require.NotNil(t, sess)
	require.Len(t, sess.History, 2)
	assert.Equal(t, "chain of thought", sess.History[1].Content)
}

func TestChatCompletionUnknownModel(t *testing.T) {
	var upstreamCalls atomic.Int32
	pm, _ := newTestProxyManager(t, func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
	}, nil)

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"ghost/x","messages":[{"role":"user","content":"Hi"}]}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request_error", gjson.Get(w.Body.String(), "error.type").String())
	assert.Equal(t, "model_not_found", gjson.Get(w.Body.String(), "error.code").String())
	assert.Equal(t, int32(0), upstreamCalls.Load())
	assert.Nil(t, getSession(t, pm, "default"))
}

func TestChatCompletionInvalidRequest(t *testing.T) {
	pm, _ := newTestProxyManager(t, okCompletion("hi"), nil)

	for _, body := range []string{
		`{"messages":[{"role":"user","content":"Hi"}]}`,
		`{"model":"official/gpt-4"}`,
		`{"model":"official/gpt-4","messages":[]}`,
		`{"model":"official/gpt-4","messages":[{"role":"wizard","content":"Hi"}]}`,
		`not json`,
	} {
		w := doRequest(pm, "POST", "/v1/chat/completions", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body: %s", body)
		assert.Equal(t, "invalid_request_error", gjson.Get(w.Body.String(), "error.type").String())
	}
}

func TestChatCompletionProviderError(t *testing.T) {
	pm, _ := newTestProxyManager(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, nil)

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"official/gpt-4","messages":[{"role":"user","content":"Hi"}]}`)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "api_error", gjson.Get(w.Body.String(), "error.type").String())
	assert.Equal(t, "provider_error", gjson.Get(w.Body.String(), "error.code").String())
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	return nil, fmt.Errorf("connection refused: %w", session.ErrUnavailable)
}
func (failingStore) Put(ctx context.Context, s *session.Session) error {
	return fmt.Errorf("connection refused: %w", session.ErrUnavailable)
}
func (failingStore) AppendMessage(ctx context.Context, sessionID, userID string, msg session.Message) error {
	return fmt.Errorf("connection refused: %w", session.ErrUnavailable)
}
func (failingStore) Reset(ctx context.Context, sessionID, userID string) error {
	return fmt.Errorf("connection refused: %w", session.ErrUnavailable)
}
func (failingStore) Delete(ctx context.Context, sessionID, userID string) error {
	return fmt.Errorf("connection refused: %w", session.ErrUnavailable)
}
func (failingStore) CleanupExpired(ctx context.Context) (int, error) { return 0, nil }
func (failingStore) Healthy(ctx context.Context) error               { return session.ErrUnavailable }
func (failingStore) Close() error                                    { return nil }

func TestChatCompletionStoreUnavailable(t *testing.T) {
	var upstreamCalls atomic.Int32
	pm, _ := newTestProxyManager(t, func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
	}, nil)
	pm.store = failingStore{}

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"official/gpt-4","messages":[{"role":"user","content":"Hi"}]}`)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "service_unavailable", gjson.Get(w.Body.String(), "error.code").String())
	assert.Equal(t, int32(0), upstreamCalls.Load())
}

func TestListModelsEndpoint(t *testing.T) {
	pm, _ := newTestProxyManager(t, okCompletion("hi"), nil)

	w := doRequest(pm, "GET", "/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "list", gjson.Get(w.Body.String(), "object").String())
	assert.Equal(t, "official/gpt-4", gjson.Get(w.Body.String(), "data.0.id").String())
	assert.Equal(t, "openai", gjson.Get(w.Body.String(), "data.0.owned_by").String())
}

func TestHealthEndpoint(t *testing.T) {
	pm, _ := newTestProxyManager(t, okCompletion("hi"), nil)

	w := doRequest(pm, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", gjson.Get(w.Body.String(), "status").String())
	assert.Equal(t, "memory", gjson.Get(w.Body.String(), "storage").String())
	assert.Equal(t, SessionPolicy, gjson.Get(w.Body.String(), "session_policy").String())
}

func TestSessionAdminEndpoints(t *testing.T) {
	pm, _ := newTestProxyManager(t, okCompletion("Hello"), nil)

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"official/gpt-4","messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	key := DefaultKeyPolicy("default")
	sess := getSession(t, pm, "default")
	require.NotNil(t, sess)
	sess.MemoryZone = append(sess.MemoryZone, "remembered")
	require.NoError(t, pm.store.Put(context.Background(), sess))

	w = doRequest(pm, "GET", "/api/sessions/"+key, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "history.#").Int())

	// Reset clears history but keeps the memory zone.
	w = doRequest(pm, "POST", "/api/sessions/"+key+"/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	sess = getSession(t, pm, "default")
	assert.Empty(t, sess.History)
	assert.Equal(t, []string{"remembered"}, sess.MemoryZone)

	// Clearing the memory zone is a separate, explicit action.
	w = doRequest(pm, "POST", "/api/sessions/"+key+"/memory/clear", "")
	require.Equal(t, http.StatusOK, w.Code)
	sess = getSession(t, pm, "default")
	assert.Empty(t, sess.MemoryZone)

	w = doRequest(pm, "DELETE", "/api/sessions/"+key, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, getSession(t, pm, "default"))

	w = doRequest(pm, "GET", "/api/sessions/"+key, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserFieldScopesSessions(t *testing.T) {
	pm, _ := newTestProxyManager(t, okCompletion("hi"), nil)

	w := doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"official/gpt-4","messages":[{"role":"user","content":"from alice"}],"user":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(pm, "POST", "/v1/chat/completions",
		`{"model":"official/gpt-4","messages":[{"role":"user","content":"from bob"}],"user":"bob"}`)
	require.Equal(t, http.StatusOK, w.Code)

	alice := getSession(t, pm, "alice")
	bob := getSession(t, pm, "bob")
	require.NotNil(t, alice)
	require.NotNil(t, bob)
	assert.Equal(t, "from alice", alice.History[0].Content)
	assert.Equal(t, "from bob", bob.History[0].Content)
}

func TestOptionsRequestGetsCORSHeaders(t *testing.T) {
	pm, _ := newTestProxyManager(t, okCompletion("hi"), nil)

	w := doRequest(pm, "OPTIONS", "/v1/chat/completions", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestDefaultKeyPolicyIsStable(t *testing.T) {
	assert.Equal(t, DefaultKeyPolicy("alice"), DefaultKeyPolicy("alice"))
	assert.True(t, strings.HasPrefix(DefaultKeyPolicy("alice"), "session_"))
}
