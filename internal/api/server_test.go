package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"tradebot-engine/config"
	"tradebot-engine/internal/database"
	"tradebot-engine/internal/engine"
	"tradebot-engine/internal/events"
	"tradebot-engine/internal/vault"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	mu        sync.Mutex
	live      map[string]engine.BotRuntimeState
	startErr  error
	started   []string
	recovered []engine.BotSpec
	agg       *engine.UserAggregateStats
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{live: make(map[string]engine.BotRuntimeState)}
}

func (f *fakeEngine) StartBot(ctx context.Context, spec engine.BotSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, spec.ID)
	f.live[spec.ID] = engine.BotRuntimeState{BotID: spec.ID, UserID: spec.UserID, Name: spec.Name}
	return nil
}

func (f *fakeEngine) StopBot(ctx context.Context, botID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[botID]; !ok {
		return engine.ErrNotRunning
	}
	delete(f.live, botID)
	return nil
}

func (f *fakeEngine) GetBotInstance(botID string) (engine.BotRuntimeState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live[botID]
	return s, ok
}

func (f *fakeEngine) GetActiveBots() []engine.BotRuntimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.BotRuntimeState, 0, len(f.live))
	for _, s := range f.live {
		out = append(out, s)
	}
	return out
}

func (f *fakeEngine) GetStats() engine.LiveStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg := engine.LiveStats{ActiveBots: len(f.live)}
	for _, s := range f.live {
		agg.Stats = agg.Stats.Add(s.Stats)
	}
	return agg
}

func (f *fakeEngine) GetUserAggregateStats(ctx context.Context, userID string) (*engine.UserAggregateStats, error) {
	if f.agg == nil {
		return nil, errors.New("store down")
	}
	return f.agg, nil
}

func (f *fakeEngine) RecoverRunning(ctx context.Context, specs []engine.BotSpec) engine.RecoveryReport {
	report := engine.RecoveryReport{Failed: map[string]error{}}
	for _, spec := range specs {
		f.recovered = append(f.recovered, spec)
		if err := f.StartBot(ctx, spec); err != nil {
			report.Failed[spec.ID] = err
			continue
		}
		report.Recovered = append(report.Recovered, spec.ID)
	}
	return report
}

type fakeRepo struct {
	mu        sync.Mutex
	bots      map[string]*engine.BotSpec
	running   []engine.BotSpec
	healthErr error
}

func newFakeRepo(specs ...engine.BotSpec) *fakeRepo {
	r := &fakeRepo{bots: make(map[string]*engine.BotSpec)}
	for i := range specs {
		spec := specs[i]
		r.bots[spec.ID] = &spec
	}
	return r
}

func (r *fakeRepo) CreateBot(ctx context.Context, spec *engine.BotSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if spec.ID == "" {
		spec.ID = "generated"
	}
	cp := *spec
	r.bots[spec.ID] = &cp
	return nil
}

func (r *fakeRepo) GetBot(ctx context.Context, botID string) (*engine.BotSpec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.bots[botID]
	if !ok {
		return nil, database.ErrBotNotFound
	}
	cp := *spec
	return &cp, nil
}

func (r *fakeRepo) ListBotsByUser(ctx context.Context, userID string) ([]engine.BotSpec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []engine.BotSpec
	for _, spec := range r.bots {
		if spec.UserID == userID {
			out = append(out, *spec)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateBotStatus(ctx context.Context, botID string, status engine.BotStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.bots[botID]
	if !ok {
		return database.ErrBotNotFound
	}
	spec.Status = status
	return nil
}

func (r *fakeRepo) ListRunningBotSpecsForUser(ctx context.Context, userID string) ([]engine.BotSpec, error) {
	var out []engine.BotSpec
	for _, spec := range r.running {
		if spec.UserID == userID {
			out = append(out, spec)
		}
	}
	return out, nil
}

func (r *fakeRepo) HealthCheck(ctx context.Context) error {
	return r.healthErr
}

func (r *fakeRepo) status(botID string) engine.BotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bots[botID].Status
}

type countingCache struct {
	mu    sync.Mutex
	users []string
}

func (c *countingCache) Invalidate(userID string) {
	c.mu.Lock()
	c.users = append(c.users, userID)
	c.mu.Unlock()
}

type testEnv struct {
	server *Server
	engine *fakeEngine
	repo   *fakeRepo
	creds  *vault.Client
	cache  *countingCache
	bus    *events.EventBus
}

func newTestEnv(t *testing.T, specs ...engine.BotSpec) *testEnv {
	t.Helper()
	env := &testEnv{
		engine: newFakeEngine(),
		repo:   newFakeRepo(specs...),
		creds:  vault.NewMemoryClient(),
		cache:  &countingCache{},
		bus:    events.NewEventBus(),
	}
	env.server = NewServer(config.ServerConfig{JWTSecret: testSecret, AllowedOrigins: "*"}, Dependencies{
		Engine:      env.engine,
		Repo:        env.repo,
		Credentials: env.creds,
		Exchanges:   env.cache,
		Events:      env.bus,
	})
	t.Cleanup(func() { env.server.Shutdown(context.Background()) })
	return env
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (env *testEnv) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("Invalid JSON %q: %v", w.Body.String(), err)
	}
	return env
}

func botSpec(id, userID string) engine.BotSpec {
	return engine.BotSpec{ID: id, UserID: userID, Name: id, StrategyName: "moderate", Status: engine.BotStatusInactive}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, UserClaims{UserID: "u1"})
	wrongAlg, _ := hs512.SignedString([]byte(testSecret))
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, UserClaims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	})
	expiredTok, _ := expired.SignedString([]byte(testSecret))
	otherSecret, _ := IssueToken("other", "u1", time.Hour)
	noUser, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, UserClaims{}).SignedString([]byte(testSecret))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"wrong algorithm", "Bearer " + wrongAlg, http.StatusUnauthorized},
		{"expired", "Bearer " + expiredTok, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + otherSecret, http.StatusUnauthorized},
		{"no user", "Bearer " + noUser, http.StatusUnauthorized},
		{"valid", "Bearer " + token(t, "u1"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/bots/active", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "trace-123")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "trace-123" {
		t.Errorf("Request id = %q, want the caller's", got)
	}

	w = env.do(t, http.MethodGet, "/health", "", "")
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("A request id should be generated")
	}
}

func TestStartBot(t *testing.T) {
	env := newTestEnv(t, botSpec("b1", "u1"), botSpec("b2", "u2"))

	w := env.do(t, http.MethodPost, "/api/bots/b1/start", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if env.repo.status("b1") != engine.BotStatusActive {
		t.Errorf("Status = %s, want ACTIVE", env.repo.status("b1"))
	}

	// Other users' bots look missing
	if w := env.do(t, http.MethodPost, "/api/bots/b2/start", "u1", ""); w.Code != http.StatusNotFound {
		t.Errorf("Foreign bot start = %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/bots/nope/start", "u1", ""); w.Code != http.StatusNotFound {
		t.Errorf("Missing bot start = %d, want 404", w.Code)
	}
}

func TestStartBot_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"credentials", &engine.CredentialsError{UserID: "u1", Err: vault.ErrKeyNotFound}, http.StatusBadRequest},
		{"archived", engine.ErrArchived, http.StatusConflict},
		{"stopping", engine.ErrStopping, http.StatusConflict},
		{"invalid", engine.ErrInvalidBotSpec, http.StatusBadRequest},
		{"other", errors.New("connect failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, botSpec("b1", "u1"))
			env.engine.startErr = tt.err
			w := env.do(t, http.MethodPost, "/api/bots/b1/start", "u1", "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if env.repo.status("b1") != engine.BotStatusInactive {
				t.Error("Status must not change when start fails")
			}
		})
	}
}

func TestStopBot(t *testing.T) {
	env := newTestEnv(t, botSpec("b1", "u1"))
	env.do(t, http.MethodPost, "/api/bots/b1/start", "u1", "")

	w := env.do(t, http.MethodPost, "/api/bots/b1/stop", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var data struct {
		AlreadyStopped bool `json:"already_stopped"`
	}
	json.Unmarshal(decode(t, w).Data, &data)
	if data.AlreadyStopped {
		t.Error("First stop should not report already_stopped")
	}
	if env.repo.status("b1") != engine.BotStatusInactive {
		t.Errorf("Status = %s, want INACTIVE", env.repo.status("b1"))
	}

	w = env.do(t, http.MethodPost, "/api/bots/b1/stop", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Second stop status = %d", w.Code)
	}
	json.Unmarshal(decode(t, w).Data, &data)
	if !data.AlreadyStopped {
		t.Error("Stopping a stopped bot should report already_stopped")
	}
}

func TestActiveBotsAndRuntime(t *testing.T) {
	env := newTestEnv(t, botSpec("b1", "u1"), botSpec("b2", "u2"))
	env.do(t, http.MethodPost, "/api/bots/b1/start", "u1", "")
	env.do(t, http.MethodPost, "/api/bots/b2/start", "u2", "")

	var active []engine.BotRuntimeState
	json.Unmarshal(decode(t, env.do(t, http.MethodGet, "/api/bots/active", "u1", "")).Data, &active)
	if len(active) != 1 || active[0].BotID != "b1" {
		t.Errorf("Active bots for u1 = %+v", active)
	}

	if w := env.do(t, http.MethodGet, "/api/bots/b1/runtime", "u1", ""); w.Code != http.StatusOK {
		t.Errorf("Own runtime = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/bots/b2/runtime", "u1", ""); w.Code != http.StatusNotFound {
		t.Errorf("Foreign runtime = %d, want 404", w.Code)
	}

	var stats struct {
		User   engine.LiveStats `json:"user"`
		Engine engine.LiveStats `json:"engine"`
	}
	json.Unmarshal(decode(t, env.do(t, http.MethodGet, "/api/stats", "u1", "")).Data, &stats)
	if stats.User.ActiveBots != 1 || stats.Engine.ActiveBots != 2 {
		t.Errorf("Unexpected live stats %+v", stats)
	}
}

func TestUserStats_RecoversRunningBots(t *testing.T) {
	env := newTestEnv(t, botSpec("b1", "u1"))
	env.repo.running = []engine.BotSpec{botSpec("b1", "u1"), botSpec("b9", "u2")}
	env.engine.agg = &engine.UserAggregateStats{UserID: "u1", TotalBots: 1, RunningBots: 1}

	w := env.do(t, http.MethodGet, "/api/users/me/stats", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var data struct {
		Stats     engine.UserAggregateStats `json:"stats"`
		Recovered []string                  `json:"recovered"`
	}
	json.Unmarshal(decode(t, w).Data, &data)
	if len(data.Recovered) != 1 || data.Recovered[0] != "b1" {
		t.Errorf("Recovered = %v", data.Recovered)
	}
	if data.Stats.TotalBots != 1 {
		t.Errorf("Stats = %+v", data.Stats)
	}
	if _, ok := env.engine.GetBotInstance("b9"); ok {
		t.Error("Another user's bot must not be recovered")
	}
}

func TestUserStats_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/api/users/me/stats", "u1", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestCreateAndListBots(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/bots", "u1", `{"name":"grid","strategy_name":"dca","config":{"symbol":"ETHUSDT"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/bots", "u1", `{"name":"bad","config":{"trading_frequency":"often"}}`); w.Code != http.StatusBadRequest {
		t.Errorf("Invalid config = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/bots", "u1", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("Missing name = %d, want 400", w.Code)
	}

	var list []struct {
		Bot     engine.BotSpec `json:"bot"`
		Running bool           `json:"running"`
	}
	json.Unmarshal(decode(t, env.do(t, http.MethodGet, "/api/bots", "u1", "")).Data, &list)
	if len(list) != 1 || list[0].Bot.UserID != "u1" || list[0].Running {
		t.Errorf("List = %+v", list)
	}
}

func TestExchangeKeys(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/api/exchange-keys", "u1", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET before PUT = %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodPut, "/api/exchange-keys", "u1", `{"api_key":"abc"}`); w.Code != http.StatusBadRequest {
		t.Errorf("PUT without secret = %d, want 400", w.Code)
	}

	w := env.do(t, http.MethodPut, "/api/exchange-keys", "u1", `{"api_key":"AKIA123456","secret_key":"s3cret"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "s3cret") || strings.Contains(w.Body.String(), "AKIA123456") {
		t.Errorf("Response leaks key material: %s", w.Body.String())
	}
	if len(env.cache.users) != 1 || env.cache.users[0] != "u1" {
		t.Errorf("Cached credentials should be invalidated, got %v", env.cache.users)
	}

	creds, err := env.creds.GetCredentials(context.Background(), "u1", "binance", false)
	if err != nil || creds.SecretKey != "s3cret" {
		t.Fatalf("Stored credentials = %+v, %v", creds, err)
	}

	var masked struct {
		APIKey string `json:"api_key"`
	}
	json.Unmarshal(decode(t, env.do(t, http.MethodGet, "/api/exchange-keys", "u1", "")).Data, &masked)
	if masked.APIKey != "******3456" {
		t.Errorf("Masked key = %q", masked.APIKey)
	}

	if w := env.do(t, http.MethodDelete, "/api/exchange-keys", "u1", ""); w.Code != http.StatusOK {
		t.Errorf("DELETE = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/exchange-keys", "u1", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET after DELETE = %d, want 404", w.Code)
	}
	if len(env.cache.users) != 2 {
		t.Errorf("DELETE should invalidate too, got %v", env.cache.users)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("healthy = %d", w.Code)
	}

	env.repo.healthErr = errors.New("db down")
	w := env.do(t, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy = %d, want 503", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["database"] != "unhealthy" {
		t.Errorf("Body = %v", body)
	}
}
