package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradebot-engine/internal/database"
	"tradebot-engine/internal/engine"
	"tradebot-engine/internal/strategy"
	"tradebot-engine/internal/vault"
)

// loadOwnedBot returns the bot if it exists and belongs to userID; otherwise it writes the response
func (s *Server) loadOwnedBot(c *gin.Context, userID string) (*engine.BotSpec, bool) {
	spec, err := s.repo.GetBot(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrBotNotFound) {
			errorResponse(c, http.StatusNotFound, "bot not found")
			return nil, false
		}
		requestLogger(c).WithError(err).Error("Failed to load bot", "bot_id", c.Param("id"))
		errorResponse(c, http.StatusInternalServerError, "failed to load bot")
		return nil, false
	}
	// Other users' bots are reported as missing
	if spec.UserID != userID {
		errorResponse(c, http.StatusNotFound, "bot not found")
		return nil, false
	}
	return spec, true
}

// handleListBots returns the caller's bot definitions with a running flag
func (s *Server) handleListBots(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	specs, err := s.repo.ListBotsByUser(c.Request.Context(), userID)
	if err != nil {
		requestLogger(c).WithError(err).Error("Failed to list bots")
		errorResponse(c, http.StatusInternalServerError, "failed to list bots")
		return
	}

	out := make([]gin.H, 0, len(specs))
	for _, spec := range specs {
		_, running := s.engine.GetBotInstance(spec.ID)
		out = append(out, gin.H{"bot": spec, "running": running})
	}
	successResponse(c, out)
}

type createBotRequest struct {
	Name         string          `json:"name" binding:"required"`
	StrategyName string          `json:"strategy_name"`
	Config       json.RawMessage `json:"config"`
}

// handleCreateBot stores a new bot definition in INACTIVE state
func (s *Server) handleCreateBot(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if _, err := strategy.ParseConfig(req.StrategyName, req.Config); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	spec := &engine.BotSpec{
		UserID:       userID,
		Name:         strings.TrimSpace(req.Name),
		StrategyName: req.StrategyName,
		Config:       req.Config,
		Status:       engine.BotStatusInactive,
	}
	if err := s.repo.CreateBot(c.Request.Context(), spec); err != nil {
		requestLogger(c).WithError(err).Error("Failed to create bot")
		errorResponse(c, http.StatusInternalServerError, "failed to create bot")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": spec})
}

// handleStartBot starts a bot the caller owns and marks it ACTIVE
func (s *Server) handleStartBot(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	spec, ok := s.loadOwnedBot(c, userID)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	log := requestLogger(c).WithField("bot_id", spec.ID)
	if err := s.engine.StartBot(ctx, *spec); err != nil {
		switch {
		case engine.IsCredentialsError(err):
			errorResponse(c, http.StatusBadRequest, "exchange credentials unavailable: configure API keys first")
		case errors.Is(err, engine.ErrArchived), errors.Is(err, engine.ErrStopping):
			errorResponse(c, http.StatusConflict, err.Error())
		case errors.Is(err, engine.ErrInvalidBotSpec):
			errorResponse(c, http.StatusBadRequest, err.Error())
		default:
			log.WithError(err).Error("Failed to start bot")
			errorResponse(c, http.StatusInternalServerError, "failed to start bot: "+err.Error())
		}
		return
	}

	if err := s.repo.UpdateBotStatus(ctx, spec.ID, engine.BotStatusActive); err != nil {
		log.WithError(err).Warn("Bot started but status update failed")
	}

	state, _ := s.engine.GetBotInstance(spec.ID)
	successResponse(c, gin.H{"bot_id": spec.ID, "running": true, "state": state})
}

// handleStopBot stops a bot the caller owns and marks it INACTIVE. Stopping a stopped bot succeeds.
func (s *Server) handleStopBot(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	spec, ok := s.loadOwnedBot(c, userID)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	log := requestLogger(c).WithField("bot_id", spec.ID)
	alreadyStopped := false
	if err := s.engine.StopBot(ctx, spec.ID); err != nil {
		if !errors.Is(err, engine.ErrNotRunning) {
			log.WithError(err).Error("Failed to stop bot")
			errorResponse(c, http.StatusInternalServerError, "failed to stop bot")
			return
		}
		alreadyStopped = true
	}

	if spec.Status != engine.BotStatusArchived {
		if err := s.repo.UpdateBotStatus(ctx, spec.ID, engine.BotStatusInactive); err != nil {
			log.WithError(err).Warn("Bot stopped but status update failed")
		}
	}
	successResponse(c, gin.H{"bot_id": spec.ID, "running": false, "already_stopped": alreadyStopped})
}

// handleActiveBots returns the caller's running bots
func (s *Server) handleActiveBots(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	out := make([]engine.BotRuntimeState, 0)
	for _, state := range s.engine.GetActiveBots() {
		if state.UserID == userID {
			out = append(out, state)
		}
	}
	successResponse(c, out)
}

// handleBotRuntime returns the live state of one of the caller's bots
func (s *Server) handleBotRuntime(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	state, running := s.engine.GetBotInstance(c.Param("id"))
	if !running || state.UserID != userID {
		errorResponse(c, http.StatusNotFound, "bot is not running")
		return
	}
	successResponse(c, state)
}

// handleLiveStats returns in-memory counters for the caller's bots and the whole engine
func (s *Server) handleLiveStats(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	var mine engine.LiveStats
	for _, state := range s.engine.GetActiveBots() {
		if state.UserID == userID {
			mine.ActiveBots++
			mine.Stats = mine.Stats.Add(state.Stats)
		}
	}
	successResponse(c, gin.H{"user": mine, "engine": s.engine.GetStats()})
}

// handleUserStats recovers the caller's bots that should be running, then returns durable totals
func (s *Server) handleUserStats(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	log := requestLogger(c)

	var recovered []string
	if specs, err := s.repo.ListRunningBotSpecsForUser(ctx, userID); err != nil {
		log.WithError(err).Warn("Failed to list running bots for recovery")
	} else if len(specs) > 0 {
		report := s.engine.RecoverRunning(ctx, specs)
		recovered = report.Recovered
	}

	agg, err := s.engine.GetUserAggregateStats(ctx, userID)
	if err != nil {
		log.WithError(err).Error("Failed to load user stats")
		errorResponse(c, http.StatusInternalServerError, "failed to load stats")
		return
	}
	successResponse(c, gin.H{"stats": agg, "recovered": recovered})
}

type exchangeKeysRequest struct {
	APIKey    string `json:"api_key" binding:"required"`
	SecretKey string `json:"secret_key" binding:"required"`
	Exchange  string `json:"exchange"`
	Testnet   bool   `json:"is_testnet"`
}

func keyTarget(c *gin.Context) (exchangeName string, testnet bool) {
	exchangeName = strings.ToLower(c.DefaultQuery("exchange", "binance"))
	testnet = c.Query("testnet") == "true"
	return exchangeName, testnet
}

func maskedKeys(creds *vault.Credentials) gin.H {
	return gin.H{
		"exchange":   creds.Exchange,
		"is_testnet": creds.Testnet,
		"api_key":    creds.Masked(),
		"updated_at": creds.UpdatedAt,
	}
}

// handleGetExchangeKeys returns the caller's stored key with the secret withheld
func (s *Server) handleGetExchangeKeys(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	exchangeName, testnet := keyTarget(c)
	creds, err := s.creds.GetCredentials(c.Request.Context(), userID, exchangeName, testnet)
	if err != nil {
		if errors.Is(err, vault.ErrKeyNotFound) {
			errorResponse(c, http.StatusNotFound, "no API keys stored")
			return
		}
		requestLogger(c).WithError(err).Error("Failed to read exchange keys")
		errorResponse(c, http.StatusInternalServerError, "failed to read API keys")
		return
	}
	successResponse(c, maskedKeys(creds))
}

// handlePutExchangeKeys stores the caller's key pair and drops cached credentials
func (s *Server) handlePutExchangeKeys(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	var req exchangeKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	creds := vault.Credentials{
		APIKey:    strings.TrimSpace(req.APIKey),
		SecretKey: strings.TrimSpace(req.SecretKey),
		Exchange:  strings.ToLower(req.Exchange),
		Testnet:   req.Testnet,
		UpdatedAt: time.Now().UTC(),
	}
	if creds.Exchange == "" {
		creds.Exchange = "binance"
	}
	if err := creds.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.creds.StoreCredentials(c.Request.Context(), userID, creds); err != nil {
		requestLogger(c).WithError(err).Error("Failed to store exchange keys")
		errorResponse(c, http.StatusInternalServerError, "failed to store API keys")
		return
	}
	if s.exchanges != nil {
		s.exchanges.Invalidate(userID)
	}
	successResponse(c, maskedKeys(&creds))
}

// handleDeleteExchangeKeys removes the caller's key pair. Running bots keep their client until restarted.
func (s *Server) handleDeleteExchangeKeys(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	exchangeName, testnet := keyTarget(c)
	if err := s.creds.DeleteCredentials(c.Request.Context(), userID, exchangeName, testnet); err != nil {
		requestLogger(c).WithError(err).Error("Failed to delete exchange keys")
		errorResponse(c, http.StatusInternalServerError, "failed to delete API keys")
		return
	}
	if s.exchanges != nil {
		s.exchanges.Invalidate(userID)
	}
	successResponse(c, gin.H{"deleted": true})
}
