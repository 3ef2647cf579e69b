package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/config"
	"github.com/farellandr/spoticket-gate/internal/checkin"
	"github.com/farellandr/spoticket-gate/internal/handlers"
	"github.com/farellandr/spoticket-gate/internal/issuance"
	"github.com/farellandr/spoticket-gate/internal/metrics"
	"github.com/farellandr/spoticket-gate/internal/middleware"
	"github.com/farellandr/spoticket-gate/internal/models"
	"github.com/farellandr/spoticket-gate/internal/pending"
	"github.com/farellandr/spoticket-gate/internal/refund"
	"github.com/farellandr/spoticket-gate/internal/ticketcode"
)

type Dependencies struct {
	DB       *gorm.DB
	Issuance *issuance.Service
	CheckIn  *checkin.Service
	Refund   *refund.Service
	Auth     middleware.AuthConfig
	Webhook  middleware.WebhookConfig
	Logger   *slog.Logger
}

type waiter interface{ Wait() }

func Start(cfg *config.Config) error {
	logger := config.InitLogger(cfg)
	slog.SetDefault(logger)

	db, err := config.InitDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	var buffer *pending.Buffer
	rdb, err := config.InitRedis(cfg)
	if err != nil {
		logger.Warn("redis unavailable, unmatched webhooks will be dropped", "error", err)
	} else {
		defer rdb.Close()
		buffer = pending.NewBuffer(rdb, cfg.PendingMatchTTL)
	}

	gw, err := config.InitGateway(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	notifier := config.InitNotifier(cfg, logger)

	codes, err := ticketcode.New([]byte(cfg.TicketCodeSecret))
	if err != nil {
		return fmt.Errorf("failed to initialize ticket codes: %w", err)
	}

	deps := Dependencies{
		DB: db,
		Issuance: issuance.NewService(db, codes, notifier, logger, issuance.Options{
			MaxAttempts: cfg.CodeMaxAttempts,
			MaxQuantity: cfg.MaxPerPurchase,
		}),
		CheckIn: checkin.NewService(db, codes, logger),
		Refund: refund.NewService(db, gw, notifier, buffer, logger, refund.Options{
			ProcessingFee:  cfg.RefundFee,
			MinimumAmount:  cfg.RefundMinimum,
			GatewayTimeout: cfg.GatewayTimeout,
			Currency:       cfg.Currency,
		}),
		Auth:    middleware.AuthConfig{Secret: cfg.JWTSecret, TTL: cfg.JWTTTL},
		Webhook: middleware.WebhookConfig{Secret: cfg.WebhookSecret, MaxBody: cfg.WebhookMaxBody},
		Logger:  logger,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "gateway", cfg.GatewayProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if w, ok := gw.(waiter); ok {
		w.Wait()
	}
	notifier.Wait()
	return nil
}

func NewRouter(deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	setupRoutes(r, deps)
	return r
}

func setupRoutes(r *gin.Engine, deps Dependencies) {
	r.Use(
		middleware.DatabaseMiddleware(deps.DB),
		middleware.IssuanceMiddleware(deps.Issuance),
		middleware.CheckInMiddleware(deps.CheckIn),
		middleware.RefundMiddleware(deps.Refund),
		middleware.AuthConfigMiddleware(deps.Auth),
		middleware.WebhookConfigMiddleware(deps.Webhook),
		middleware.LoggerMiddleware(deps.Logger),
	)

	r.GET("/metrics", metrics.Handler())

	public := r.Group("/v1")
	{
		public.POST("/register", handlers.Register)
		public.POST("/login", handlers.Login)
		public.GET("/events/current", handlers.GetCurrentEvent)
		public.POST("/webhooks/refunds", handlers.RefundWebhook)
	}

	protected := r.Group("/v1")
	protected.Use(middleware.JWTAuthMiddleware())
	{
		protected.GET("/profile", handlers.GetProfile)

		admin := protected.Group("")
		admin.Use(middleware.RequireRole(models.RoleAdmin))
		{
			admin.POST("/staff", handlers.CreateStaff)
			admin.POST("/events", handlers.CreateEvent)
			admin.PUT("/events/:id", handlers.UpdateEvent)
			admin.DELETE("/events/:id", handlers.DeleteEvent)
			admin.POST("/refunds/:id/cancel", handlers.CancelRefund)
		}

		protected.POST("/purchases", handlers.CreatePurchase)
		protected.GET("/tickets", handlers.ListMyTickets)
		protected.GET("/tickets/:id/qr", handlers.GetTicketQR)
		protected.POST("/tickets/:id/refund", handlers.RequestRefund)
		protected.GET("/refunds", handlers.ListMyRefunds)
		protected.GET("/refunds/:id", handlers.GetRefund)

		scanner := protected.Group("/checkin")
		scanner.Use(middleware.RequireRole(models.RoleScanner, models.RoleAdmin))
		{
			scanner.POST("", handlers.CheckInTicket)
			scanner.GET("/:code", handlers.LookupTicket)
		}
	}
}
