package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"tradebot-engine/config"
	"tradebot-engine/internal/engine"
	"tradebot-engine/internal/events"
	"tradebot-engine/internal/logging"
	"tradebot-engine/internal/vault"
)

// BotEngine is the part of engine.Controller the API drives
type BotEngine interface {
	StartBot(ctx context.Context, spec engine.BotSpec) error
	StopBot(ctx context.Context, botID string) error
	GetBotInstance(botID string) (engine.BotRuntimeState, bool)
	GetActiveBots() []engine.BotRuntimeState
	GetStats() engine.LiveStats
	GetUserAggregateStats(ctx context.Context, userID string) (*engine.UserAggregateStats, error)
	RecoverRunning(ctx context.Context, specs []engine.BotSpec) engine.RecoveryReport
}

// BotRepository reads and updates bot definitions
type BotRepository interface {
	CreateBot(ctx context.Context, spec *engine.BotSpec) error
	GetBot(ctx context.Context, botID string) (*engine.BotSpec, error)
	ListBotsByUser(ctx context.Context, userID string) ([]engine.BotSpec, error)
	UpdateBotStatus(ctx context.Context, botID string, status engine.BotStatus) error
	ListRunningBotSpecsForUser(ctx context.Context, userID string) ([]engine.BotSpec, error)
	HealthCheck(ctx context.Context) error
}

// CredentialStore keeps users' exchange API keys
type CredentialStore interface {
	StoreCredentials(ctx context.Context, userID string, creds vault.Credentials) error
	GetCredentials(ctx context.Context, userID, exchange string, testnet bool) (*vault.Credentials, error)
	DeleteCredentials(ctx context.Context, userID, exchange string, testnet bool) error
	IsEnabled() bool
	Health(ctx context.Context) error
}

// CredentialCache is notified when a user's keys change
type CredentialCache interface {
	Invalidate(userID string)
}

// Dependencies are the collaborators of a Server. Exchanges, Events and Logger are optional.
type Dependencies struct {
	Engine      BotEngine
	Repo        BotRepository
	Credentials CredentialStore
	Exchanges   CredentialCache
	Events      *events.EventBus
	Logger      *logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	engine     BotEngine
	repo       BotRepository
	creds      CredentialStore
	exchanges  CredentialCache
	hub        *WSHub
	stopHub    context.CancelFunc
	config     config.ServerConfig
	log        *logging.Logger
}

// NewServer creates the API server and starts its websocket hub
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	log := deps.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("api")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogging(log))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Origins()
	if len(corsConfig.AllowOrigins) == 0 || corsConfig.AllowOrigins[0] == "*" {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", requestIDHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", requestIDHeader}
	router.Use(cors.New(corsConfig))

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := NewWSHub(log)
	go hub.Run(hubCtx)
	hub.Attach(deps.Events)

	s := &Server{
		router:    router,
		engine:    deps.Engine,
		repo:      deps.Repo,
		creds:     deps.Credentials,
		exchanges: deps.Exchanges,
		hub:       hub,
		stopHub:   stopHub,
		config:    cfg,
		log:       log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	auth := s.authMiddleware()
	s.router.GET("/ws", auth, s.handleWebSocket)

	api := s.router.Group("/api", auth)
	{
		bots := api.Group("/bots")
		bots.GET("", s.handleListBots)
		bots.POST("", s.handleCreateBot)
		bots.GET("/active", s.handleActiveBots)
		bots.GET("/:id/runtime", s.handleBotRuntime)
		bots.POST("/:id/start", s.handleStartBot)
		bots.POST("/:id/stop", s.handleStopBot)

		api.GET("/stats", s.handleLiveStats)
		api.GET("/users/me/stats", s.handleUserStats)

		api.GET("/exchange-keys", s.handleGetExchangeKeys)
		api.PUT("/exchange-keys", s.handlePutExchangeKeys)
		api.DELETE("/exchange-keys", s.handleDeleteExchangeKeys)
	}
}

// Handler returns the HTTP handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("Starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and closes websocket connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server")
	s.stopHub()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports database and credential store health
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "healthy", "database": "healthy", "vault": "disabled"}

	if err := s.repo.HealthCheck(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["database"] = "unhealthy"
	}
	if s.creds != nil && s.creds.IsEnabled() {
		body["vault"] = "healthy"
		if err := s.creds.Health(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["vault"] = "unhealthy"
		}
	}
	body["active_bots"] = s.engine.GetStats().ActiveBots
	body["websocket_clients"] = s.hub.GetTotalClientCount()
	c.JSON(status, body)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
