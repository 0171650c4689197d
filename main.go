package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"mailsync/config"
	"mailsync/handlers/api"
	"mailsync/idle"
	"mailsync/middleware"
	"mailsync/models"
	"mailsync/protocol"
	"mailsync/storage"
	"mailsync/syncer"
	"mailsync/utils"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the configuration file")
	issueToken := flag.String("issue-token", "", "print an API token for the given user id and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		utils.Log.Error("Failed to load config: %v", err)
		os.Exit(1)
	}

	level, err := utils.ParseLevel(cfg.Log.Level)
	if err != nil {
		utils.Log.Warn("%v, using info", err)
	}
	utils.Log.SetLevel(level)

	jwtManager := middleware.NewJWTManager(cfg.JWT.Secret, middleware.DefaultTokenExpiry)
	if *issueToken != "" {
		token, err := jwtManager.GenerateToken(*issueToken)
		if err != nil {
			utils.Log.Error("Failed to issue token: %v", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, jwtManager); err != nil {
		utils.Log.Error("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, jwtManager *middleware.JWTManager) error {
	utils.Log.Info("Initializing mailsync...")

	// Storage
	cache, err := storage.OpenCache(cfg.Storage.DataDir, utils.Log)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cache.Close()

	accounts, err := storage.NewAccountDirectory(cfg.Storage.DataDir, cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("open account directory: %w", err)
	}

	// Sync engine
	hub := api.NewNotificationHub(accounts, utils.Log)
	connector := protocol.NewIMAPDialer(cfg.Idle.Mailbox, cfg.Sync.DialTimeout.Duration, cfg.Sync.CommandTimeout.Duration, utils.Log)

	syncOpts := syncer.OptionsFromConfig(cfg.Sync)
	syncOpts.Logger = utils.Log
	syncOpts.Notifier = hub
	coordinator := syncer.NewCoordinator(cache, accounts, connector, syncOpts)
	defer coordinator.Close()

	idleOpts := idle.OptionsFromConfig(cfg.Idle)
	idleOpts.Logger = utils.Log
	idleManager := idle.NewManager(
		idle.NewIMAPDialer(connector, cfg.Idle.Mailbox, cfg.Idle.Keepalive.Duration, utils.Log),
		idleOpts,
	)
	defer idleManager.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go coordinator.Run(ctx, idleManager.Events())

	// HTTP surface
	app := fiber.New(fiber.Config{
		AppName:      "mailsync",
		ErrorHandler: api.ErrorHandler,
		UnescapePath: true,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(compress.New())
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "no-referrer",
	}))

	requestTimeout := 2 * cfg.Sync.CommandTimeout.Duration
	api.SetupRoutes(app, api.Handlers{
		Accounts: api.NewAccountHandler(accounts, func(previous, updated *models.Account) {
			log := utils.Log.WithField("account", updated.ID)
			// compare the validated copy, which has defaults filled in
			current, err := accounts.GetAccount(updated.ID)
			if err != nil {
				log.Warn("cannot reload updated account: %v", err)
				coordinator.Forget(updated.ID)
				idleManager.Stop(updated.ID)
				return
			}
			if previous.SameMailbox(current) {
				coordinator.ResetSession(current.ID)
			} else {
				coordinator.Forget(current.ID)
			}
			if _, err := idleManager.Reload(current); err != nil {
				log.Warn("cannot restart IDLE: %v", err)
			}
		}, func(accountID string) {
			idleManager.Stop(accountID)
			coordinator.Forget(accountID)
		}),
		Email:         api.NewEmailHandler(coordinator, accounts, requestTimeout),
		Idle:          api.NewIdleHandler(idleManager, accounts, requestTimeout),
		Notifications: hub,
	}, middleware.JWTAuth(jwtManager), middleware.RateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window.Duration))

	// 404 Handler for undefined routes
	app.Use(func(c *fiber.Ctx) error {
		return utils.NotFoundError("Route not found", nil).WithContext("path", c.Path())
	})

	errc := make(chan error, 1)
	go func() {
		utils.Log.Info("Starting server on port %d...", cfg.Server.Port)
		errc <- app.Listen(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	utils.Log.Info("Shutting down...")
	return app.ShutdownWithTimeout(10 * time.Second)
}
