package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mailfold/mailfold/internal/auth"
	"github.com/mailfold/mailfold/internal/config"
	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/engine"
	"github.com/mailfold/mailfold/internal/events"
	"github.com/mailfold/mailfold/internal/logger"
	"github.com/mailfold/mailfold/internal/provider"
	"github.com/mailfold/mailfold/internal/provider/gmail"
	"github.com/mailfold/mailfold/internal/provider/outlook"
	"github.com/mailfold/mailfold/internal/store"
	syncpkg "github.com/mailfold/mailfold/internal/sync"
	"github.com/mailfold/mailfold/internal/token"
)

type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *store.Store
	users    *auth.Service
	issuer   *auth.Issuer
	verifier auth.Verifier
	engine   *engine.Service
	syncer   *syncpkg.Manager
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatal(err)
	}
	defer zlog.Sync()

	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		zlog.Fatal("failed to open database", zap.Error(err))
	}
	defer st.Close()

	tokens := token.NewManager(st, map[domain.Provider]token.Credentials{
		domain.ProviderGmail: {
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			RedirectURI:  cfg.Gmail.RedirectURI,
			Scopes:       cfg.Gmail.Scopes,
		},
		domain.ProviderOutlook: {
			ClientID:     cfg.Outlook.ClientID,
			ClientSecret: cfg.Outlook.ClientSecret,
			RedirectURI:  cfg.Outlook.RedirectURI,
			Scopes:       cfg.Outlook.Scopes,
		},
	}, zlog)

	providers := provider.Registry{
		domain.ProviderGmail:   gmail.New(cfg.Sync.PageSize, cfg.Sync.CallTimeout, cfg.Sync.RatePerSecond, zlog),
		domain.ProviderOutlook: outlook.New(cfg.Sync.PageSize, cfg.Sync.CallTimeout, cfg.Sync.RatePerSecond, zlog),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	emitEvents := cfg.NATS.URL != ""
	if emitEvents {
		publisher, err := events.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			zlog.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer publisher.Close()

		dispatcher := events.NewDispatcher(st, publisher, cfg.Sync.OutboxBatch, cfg.Sync.OutboxInterval, zlog)
		go dispatcher.Run(ctx)
	}

	runner := syncpkg.NewRunner(st, tokens, providers, cfg.Sync.FetchWorkers, emitEvents, zlog)

	var verifier auth.Verifier
	if cfg.Auth.JWKSURL != "" {
		verifier, err = auth.NewJWKSVerifier(cfg.Auth.JWKSURL)
		if err != nil {
			zlog.Fatal("failed to initialize JWKS verifier", zap.Error(err))
		}
	} else {
		verifier = auth.NewHSVerifier(cfg.Auth.JWTSecret)
	}

	a := &app{
		cfg:      cfg,
		log:      zlog,
		store:    st,
		users:    auth.NewService(st),
		issuer:   auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry),
		verifier: verifier,
		engine:   engine.NewService(st, tokens, providers, zlog),
		syncer:   syncpkg.NewManager(st, runner, zlog),
	}

	r := gin.Default()

	r.POST("/register", a.register)
	r.POST("/login", a.login)
	r.GET("/oauth/:provider/url", a.oauthURL)

	authorized := r.Group("/")
	authorized.Use(a.authMiddleware())

	authorized.POST("/oauth/:provider/callback", a.oauthCallback)

	authorized.GET("/accounts", a.listAccounts)
	authorized.DELETE("/accounts/:id", a.disconnectAccount)
	authorized.POST("/accounts/:id/sync", a.triggerSync)
	authorized.GET("/accounts/:id/jobs", a.listJobs)
	authorized.POST("/accounts/:id/send", a.sendMessage)

	authorized.GET("/jobs/:id", a.getJob)

	authorized.GET("/messages", a.listMessages)
	authorized.GET("/messages/:id", a.getMessage)
	authorized.POST("/messages/:id/read", a.markRead)

	srv := &http.Server{Addr: cfg.Server.Addr(), Handler: r}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	zlog.Info("listening", zap.String("addr", cfg.Server.Addr()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zlog.Fatal("server error", zap.Error(err))
	}
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (a *app) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := a.users.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		a.log.Warn("registration failed", zap.String("username", req.Username), zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": "registration failed"})
		return
	}

	c.JSON(http.StatusCreated, user)
}

func (a *app) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := a.users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	tokenString, err := a.issuer.Issue(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": tokenString, "user": user})
}

func (a *app) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := a.verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString("user_id")
}

func (a *app) oauthURL(c *gin.Context) {
	p := domain.Provider(c.Param("provider"))
	if !p.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}

	url, err := a.engine.InitiateConnection(p, c.Query("state"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build consent url"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

type callbackRequest struct {
	Code string `json:"code" binding:"required"`
}

func (a *app) oauthCallback(c *gin.Context) {
	p := domain.Provider(c.Param("provider"))
	if !p.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}

	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := a.engine.CompleteConnection(c.Request.Context(), userID(c), p, req.Code)
	if err != nil {
		a.log.Error("connection failed", zap.String("provider", string(p)), zap.Error(err))
		status := http.StatusBadGateway
		var exchangeErr *domain.ExchangeError
		if errors.As(err, &exchangeErr) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": "failed to connect account"})
		return
	}

	c.JSON(http.StatusCreated, account)
}

func (a *app) listAccounts(c *gin.Context) {
	accounts, err := a.store.ListAccounts(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func (a *app) disconnectAccount(c *gin.Context) {
	err := a.store.DeactivateAccount(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disconnect account"})
		return
	}
	c.Status(http.StatusNoContent)
}

type syncRequest struct {
	JobType string `json:"job_type"`
}

func (a *app) triggerSync(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	jobType := domain.JobIncremental
	switch req.JobType {
	case "", string(domain.JobIncremental):
	case string(domain.JobFull):
		jobType = domain.JobFull
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_type must be full or incremental"})
		return
	}

	job, err := a.syncer.TriggerSync(c.Request.Context(), c.Param("id"), userID(c), jobType)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		case errors.Is(err, domain.ErrSyncInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
		default:
			a.log.Error("sync failed", zap.String("account_id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
		}
		return
	}

	c.JSON(http.StatusOK, job)
}

func (a *app) listJobs(c *gin.Context) {
	// Ownership check before exposing job history.
	if _, err := a.store.GetAccountForUser(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	limit := intQuery(c, "limit", 20)
	jobs, err := a.store.ListSyncJobs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (a *app) getJob(c *gin.Context) {
	job, err := a.store.GetSyncJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	// Jobs are addressed by id alone, so verify through the account.
	if _, err := a.store.GetAccountForUser(c.Request.Context(), job.AccountID, userID(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, job)
}

func (a *app) sendMessage(c *gin.Context) {
	var out domain.OutgoingMessage
	if err := c.ShouldBindJSON(&out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(out.To) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one recipient required"})
		return
	}

	id, err := a.engine.SendMessage(c.Request.Context(), userID(c), c.Param("id"), &out)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		a.log.Error("send failed", zap.String("account_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to send message"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (a *app) listMessages(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	messages, err := a.store.ListMessages(c.Request.Context(), userID(c), c.Query("account_id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (a *app) getMessage(c *gin.Context) {
	msg, err := a.store.GetMessage(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (a *app) markRead(c *gin.Context) {
	err := a.store.MarkMessageRead(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update message"})
		return
	}
	c.Status(http.StatusNoContent)
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
