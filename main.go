package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	gosync "sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/vertexvista/mailsync/internal/assistant"
	"github.com/vertexvista/mailsync/internal/auth"
	"github.com/vertexvista/mailsync/internal/config"
	"github.com/vertexvista/mailsync/internal/mailstore/sqlite"
	natsjs "github.com/vertexvista/mailsync/internal/nats"
	"github.com/vertexvista/mailsync/internal/providers/gmail"
	"github.com/vertexvista/mailsync/internal/providers/outlook"
	"github.com/vertexvista/mailsync/internal/sync"
	"github.com/vertexvista/mailsync/internal/tokens"
)

var gmailScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/userinfo.email",
}

var outlookScopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Mail.Read",
	"https://graph.microsoft.com/User.Read",
}

// server wires every subsystem behind the HTTP API.
type server struct {
	cfg       *config.Config
	authSvc   *auth.Service
	issuer    *auth.TokenIssuer
	verifier  *auth.TokenVerifier
	manager   *sync.Manager
	aiClient  *assistant.Client
	publisher *natsjs.Publisher

	baseCtx context.Context

	mu     gosync.Mutex
	stores map[string]*sqlite.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		gin.SetMode(gin.ReleaseMode)
	}

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "users"), 0o755); err != nil {
		logrus.Fatalf("create data dir: %v", err)
	}

	authDB, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "auth.db"))
	if err != nil {
		logrus.Fatalf("open auth db: %v", err)
	}
	defer authDB.Close()

	authSvc, err := auth.NewService(authDB)
	if err != nil {
		logrus.Fatalf("auth service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.BootstrapAdminEmail != "" && cfg.BootstrapAdminPassword != "" {
		created, err := authSvc.Bootstrap(ctx, cfg.BootstrapAdminEmail, "Administrator", cfg.BootstrapAdminPassword)
		if err != nil {
			logrus.Fatalf("bootstrap admin: %v", err)
		}
		if created {
			logrus.Infof("bootstrap admin account created: %s", cfg.BootstrapAdminEmail)
		}
	}

	srv := &server{
		cfg:      cfg,
		authSvc:  authSvc,
		issuer:   auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.SessionTTL),
		verifier: auth.NewTokenVerifier([]byte(cfg.JWTSecret)),
		aiClient: assistant.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.OpenAIModel),
		baseCtx:  ctx,
		stores:   make(map[string]*sqlite.Store),
	}
	srv.manager = sync.NewManager(srv.buildEngine)

	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			logrus.WithError(err).Warn("nats unavailable, dashboard events disabled")
		} else {
			if err := pub.EnsureStream(ctx); err != nil {
				logrus.WithError(err).Warn("nats stream setup failed, dashboard events disabled")
				pub.Close()
			} else {
				srv.publisher = pub
				defer pub.Close()
			}
		}
	}

	r := gin.Default()
	srv.routes(r)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		logrus.Infof("listening on :%s", cfg.ServerPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Info("shutting down")
	srv.manager.StopAll()
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logrus.WithError(err).Warn("shutdown")
	}
	srv.closeStores()
}

func (s *server) routes(r *gin.Engine) {
	api := r.Group("/api")

	api.POST("/auth/login", s.handleLogin)
	api.POST("/auth/accept-invite", s.handleAcceptInvite)

	authorized := api.Group("/")
	authorized.Use(s.authMiddleware())

	authorized.GET("/auth/me", s.handleMe)
	authorized.POST("/auth/change-password", s.handleChangePassword)
	authorized.POST("/auth/invites", s.handleCreateInvite)
	authorized.GET("/auth/users", s.handleListUsers)
	authorized.PUT("/auth/users/:id/active", s.handleSetActive)
	authorized.GET("/auth/activity", s.handleActivity)

	authorized.GET("/mail/messages", s.handleListMessages)
	authorized.GET("/mail/:provider/connect", s.handleConnect)
	authorized.POST("/mail/:provider/exchange", s.handleExchange)
	authorized.DELETE("/mail/:provider", s.handleDisconnect)
	authorized.GET("/mail/:provider/status", s.handleSyncStatus)
	authorized.POST("/mail/:provider/sync/initial", s.handleInitialSync)
	authorized.POST("/mail/:provider/sync/incremental", s.handleIncrementalSync)
	authorized.POST("/mail/:provider/sync/auto", s.handleStartAutoSync)
	authorized.DELETE("/mail/:provider/sync", s.handleStopSync)

	authorized.POST("/assistant/chat", s.handleAssistantChat)
	authorized.POST("/assistant/summarize", s.handleAssistantSummarize)
	authorized.POST("/assistant/reply", s.handleAssistantReply)
	authorized.POST("/assistant/analyze", s.handleAssistantAnalyze)
}

func (s *server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		if len(header) > 7 && header[:7] == "Bearer " {
			header = header[7:]
		}

		claims, err := s.verifier.Verify(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Next()
	}
}

// userStore returns the caller's mail database, opening it on first use. When
// NATS is configured, an outbox dispatcher starts alongside the store.
func (s *server) userStore(userID string) (*sqlite.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.stores[userID]; ok {
		return store, nil
	}

	dir := filepath.Join(s.cfg.DataDir, "users", userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.OpenUserDB(filepath.Join(dir, "mail.db"))
	if err != nil {
		return nil, err
	}
	s.stores[userID] = store

	if s.publisher != nil {
		go s.publisher.DispatchOutbox(s.baseCtx, store)
	}
	return store, nil
}

func (s *server) closeStores() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, store := range s.stores {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warnf("close store for %s", id)
		}
	}
	s.stores = make(map[string]*sqlite.Store)
}

func (s *server) oauthConfig(provider sync.ProviderName) *oauth2.Config {
	switch provider {
	case sync.ProviderOutlook:
		return &oauth2.Config{
			ClientID:     s.cfg.Microsoft.ClientID,
			ClientSecret: s.cfg.Microsoft.ClientSecret,
			RedirectURL:  s.cfg.Microsoft.RedirectURI,
			Scopes:       outlookScopes,
			Endpoint:     microsoft.AzureADEndpoint("common"),
		}
	default:
		return &oauth2.Config{
			ClientID:     s.cfg.Google.ClientID,
			ClientSecret: s.cfg.Google.ClientSecret,
			RedirectURL:  s.cfg.Google.RedirectURI,
			Scopes:       gmailScopes,
			Endpoint:     google.Endpoint,
		}
	}
}

// tokenStore loads the persisted credential for one connection.
func (s *server) tokenStore(ctx context.Context, userID string, provider sync.ProviderName) (*tokens.Store, *sqlite.Store, error) {
	store, err := s.userStore(userID)
	if err != nil {
		return nil, nil, err
	}
	ts := tokens.NewStore(userID, provider, s.oauthConfig(provider), store)
	if err := ts.Load(ctx); err != nil {
		return nil, nil, err
	}
	return ts, store, nil
}

// buildEngine is the sync.EngineFactory behind the manager.
func (s *server) buildEngine(ctx context.Context, userID string, provider sync.ProviderName, onProgress sync.ProgressFunc) (*sync.Engine, error) {
	ts, store, err := s.tokenStore(ctx, userID, provider)
	if err != nil {
		return nil, err
	}

	var client sync.Provider
	switch provider {
	case sync.ProviderOutlook:
		client, err = outlook.New(ctx, ts, userID)
	default:
		client, err = gmail.New(ctx, ts)
	}
	if err != nil {
		return nil, err
	}

	engine := sync.NewEngine(userID, provider, ts, client, store)
	engine.OnProgress = onProgress
	return engine, nil
}

func parseProvider(raw string) (sync.ProviderName, bool) {
	switch sync.ProviderName(raw) {
	case sync.ProviderGmail, sync.ProviderOutlook:
		return sync.ProviderName(raw), true
	}
	return "", false
}

func pathProvider(c *gin.Context) (sync.ProviderName, bool) {
	provider, ok := parseProvider(c.Param("provider"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
	}
	return provider, ok
}

// --- auth handlers ---

func (s *server) handleLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.authSvc.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrAccountDisabled) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	token, err := s.issuer.Issue(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *server) handleAcceptInvite(c *gin.Context) {
	var req struct {
		Email        string `json:"email" binding:"required"`
		TempPassword string `json:"temp_password" binding:"required"`
		NewPassword  string `json:"new_password" binding:"required,min=8"`
		FullName     string `json:"full_name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.authSvc.AcceptInvite(c.Request.Context(), req.Email, req.TempPassword, req.NewPassword, req.FullName)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrInviteNotFound) || errors.Is(err, auth.ErrInviteExpired) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	token, err := s.issuer.Issue(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token, "user": user})
}

func (s *server) handleMe(c *gin.Context) {
	user, err := s.authSvc.GetUser(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *server) handleChangePassword(c *gin.Context) {
	var req struct {
		CurrentPassword string `json:"current_password" binding:"required"`
		NewPassword     string `json:"new_password" binding:"required,min=8"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.authSvc.ChangePassword(c.Request.Context(), c.GetString("user_id"), req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "password changed"})
}

func (s *server) handleCreateInvite(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tempPassword, err := s.authSvc.CreateInvite(c.Request.Context(), c.GetString("user_id"), req.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"email": req.Email, "temp_password": tempPassword})
}

func (s *server) handleListUsers(c *gin.Context) {
	users, err := s.authSvc.ListUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (s *server) handleSetActive(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.authSvc.SetActive(c.Request.Context(), c.GetString("user_id"), c.Param("id"), *req.Active); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *server) handleActivity(c *gin.Context) {
	entries, err := s.authSvc.ListActivity(c.Request.Context(), c.GetString("user_id"), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries})
}

// --- mail handlers ---

func (s *server) handleConnect(c *gin.Context) {
	provider, ok := pathProvider(c)
	if !ok {
		return
	}

	ts, _, err := s.tokenStore(c.Request.Context(), c.GetString("user_id"), provider)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"auth_url": ts.AuthCodeURL(c.GetString("user_id"))})
}

func (s *server) handleExchange(c *gin.Context) {
	provider, ok := pathProvider(c)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	userID := c.GetString("user_id")
	ts, _, err := s.tokenStore(ctx, userID, provider)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := ts.Exchange(ctx, req.Code); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	// Resolve the account address now so the UI can show it. Failure here
	// does not undo the connection.
	if client, err := s.providerClient(ctx, ts, userID, provider); err == nil {
		if profile, err := client.Profile(ctx); err == nil {
			if err := ts.SetEmailAddress(ctx, profile.EmailAddress); err != nil {
				logrus.WithError(err).Warn("persist account address")
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "connected",
		"provider":      provider,
		"email_address": ts.EmailAddress(),
	})
}

func (s *server) providerClient(ctx context.Context, ts *tokens.Store, userID string, provider sync.ProviderName) (sync.Provider, error) {
	if provider == sync.ProviderOutlook {
		return outlook.New(ctx, ts, userID)
	}
	return gmail.New(ctx, ts)
}

func (s *server) handleDisconnect(c *gin.Context) {
	provider, ok := pathProvider(c)
	if !ok {
		return
	}

	userID := c.GetString("user_id")
	_ = s.manager.StopSync(userID, provider)

	ts, _, err := s.tokenStore(c.Request.Context(), userID, provider)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := ts.ClearAuth(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (s *server) handleSyncStatus(c *gin.Context) {
	provider, ok := pathProvider(c)
	if !ok {
		return
	}

	userID := c.GetString("user_id")
	store, err := s.userStore(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	cp, err := store.GetCheckpoint(c.Request.Context(), userID, provider)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"running": s.manager.IsRunning(userID, provider)}
	if cp != nil {
		resp["checkpoint"] = cp
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) handleInitialSync(c *gin.Context) {
	provider, ok := pathProvider(c)
	if !ok {
		return
	}

	var req struct {
		WindowDays int `json:"window_days"`
	}
	_ = c.ShouldBindJSON(&req)

	result, err := s.manager.RunInitialSync(c.Request.Context(), c.GetString("user_id"), provider, req.WindowDays, nil)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *server) handleIncrementalSync(c *gin.Context) {
	provider, ok := pathProvider(c)
	if !ok {
		return
	}

	result, err := s.manager.RunIncrementalSync(c.Request.Context(), c.GetString("user_id"), provider, nil)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *server) handleStartAutoSync(c *gin.Context) {
	provider, ok := pathProvider(c)
	if !ok {
		return
	}

	if err := s.manager.StartAutoSync(s.baseCtx, c.GetString("user_id"), provider, s.cfg.AutoSyncInterval); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "auto-sync started", "interval": s.cfg.AutoSyncInterval.String()})
}

func (s *server) handleStopSync(c *gin.Context) {
	provider, ok := pathProvider(c)
	if !ok {
		return
	}

	if err := s.manager.StopSync(c.GetString("user_id"), provider); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *server) handleListMessages(c *gin.Context) {
	userID := c.GetString("user_id")
	store, err := s.userStore(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	ctx := c.Request.Context()
	msgs, err := store.ListMessages(ctx, userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := store.CountMessages(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": total, "limit": limit, "offset": offset})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// --- assistant handlers ---

type emailPayload struct {
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

func (p emailPayload) toContext() assistant.EmailContext {
	return assistant.EmailContext{
		Subject:   p.Subject,
		Body:      p.Body,
		Sender:    p.Sender,
		Timestamp: p.Timestamp,
	}
}

func (s *server) handleAssistantChat(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
		Context string `json:"context"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reply := s.aiClient.Chat(c.Request.Context(), req.Message, req.Context)
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

// handleAssistantSummarize summarizes the caller's stored unread messages.
func (s *server) handleAssistantSummarize(c *gin.Context) {
	userID := c.GetString("user_id")
	store, err := s.userStore(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	msgs, err := store.ListMessages(c.Request.Context(), userID, 50, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var unread []assistant.EmailContext
	for _, m := range msgs {
		if m.IsRead {
			continue
		}
		unread = append(unread, assistant.EmailContext{
			Subject:   m.Subject,
			Body:      m.Body,
			Sender:    m.SenderName,
			Timestamp: m.Timestamp,
		})
		if len(unread) == 10 {
			break
		}
	}
	if len(unread) == 0 {
		c.JSON(http.StatusOK, gin.H{"summary": "No unread emails to summarize."})
		return
	}

	c.JSON(http.StatusOK, gin.H{"summary": s.aiClient.SummarizeEmails(c.Request.Context(), unread)})
}

func (s *server) handleAssistantReply(c *gin.Context) {
	var req struct {
		Email emailPayload `json:"email" binding:"required"`
		Tone  string       `json:"tone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reply := s.aiClient.GenerateReply(c.Request.Context(), req.Email.toContext(), req.Tone)
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

func (s *server) handleAssistantAnalyze(c *gin.Context) {
	var req struct {
		Email emailPayload `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	analysis := s.aiClient.AnalyzeEmail(c.Request.Context(), req.Email.toContext())
	c.JSON(http.StatusOK, analysis)
}
