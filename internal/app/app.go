// Package app wires configuration, storage, OAuth2, the drive provider,
// the Telegram bot and the redirect endpoint into one runnable unit.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/jun/drivebot/internal/adapter"
	"github.com/jun/drivebot/internal/adapter/googledrive"
	"github.com/jun/drivebot/internal/adapter/memory"
	"github.com/jun/drivebot/internal/auth"
	"github.com/jun/drivebot/internal/bot"
	"github.com/jun/drivebot/internal/config"
	"github.com/jun/drivebot/internal/conversation"
	"github.com/jun/drivebot/internal/crypto"
	"github.com/jun/drivebot/internal/handler"
	"github.com/jun/drivebot/internal/secret"
	"github.com/jun/drivebot/internal/store"
	"github.com/jun/drivebot/internal/store/dynamo"
	"github.com/jun/drivebot/internal/store/jsonstore"
	"github.com/jun/drivebot/internal/store/sqlite"
	"github.com/jun/drivebot/internal/transfer"
)

const shutdownTimeout = 10 * time.Second

// Telegram is the chat transport the bot runs on.
type Telegram interface {
	bot.Messenger
	Updates(ctx context.Context) <-chan bot.Update
}

// Option customizes New.
type Option func(*options)

type options struct {
	telegram Telegram
}

// WithTelegram replaces the Bot API client, mainly for tests.
func WithTelegram(t Telegram) Option {
	return func(o *options) { o.telegram = t }
}

// App holds the wired components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Backend
	auth       *auth.Service
	transfer   *transfer.Service
	telegram   Telegram
	dispatcher *bot.Dispatcher
	callback   *handler.CallbackHandler
	router     http.Handler
}

// LoadConfig reads the configuration file and environment, resolves
// secrets from the configured source and validates the result.
func LoadConfig(ctx context.Context, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	var resolver secret.Resolver = secret.NewEnvResolver()
	if cfg.Secrets.Source == config.SecretsSSM {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))
	}
	cfg.ResolveSecrets(ctx, resolver)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// New builds every component from cfg. The caller must Close the App.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	// AWS is only needed for the DynamoDB backend and KMS.
	loadAWS := sync.OnceValues(func() (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	})

	backend, err := openStore(cfg, logger, loadAWS)
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", "backend", cfg.Store.Backend)

	encryptor, err := newEncryptor(cfg, loadAWS)
	if err != nil {
		backend.Close()
		return nil, err
	}

	stateSecret := []byte(cfg.StateSecret)
	if len(stateSecret) == 0 {
		stateSecret = make([]byte, 32)
		if _, err := rand.Read(stateSecret); err != nil {
			backend.Close()
			return nil, fmt.Errorf("generate state secret: %w", err)
		}
		logger.Warn("state_secret not set; using a random one, login links will not survive a restart")
	}

	authSvc := auth.NewService(
		auth.NewOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.RedirectURL()),
		backend, backend, encryptor, stateSecret,
		auth.Options{
			Logger:     logger.With("component", "auth"),
			HTTPClient: &http.Client{Timeout: cfg.OAuthTimeout()},
			Timeout:    cfg.OAuthTimeout(),
		},
	)

	var provider adapter.StorageProvider
	demo := cfg.Drive.Provider == config.ProviderMemory
	if demo {
		provider = memory.NewProvider()
		logger.Warn("using in-memory drive provider; files are lost on restart")
	} else {
		provider = googledrive.NewProvider(authSvc, &http.Client{Timeout: cfg.TransferTimeout()})
	}

	transferSvc := transfer.NewService(provider, backend, authSvc, transfer.Options{
		Logger:     logger.With("component", "transfer"),
		FolderName: cfg.Drive.FolderName,
		Timeout:    cfg.TransferTimeout(),
	})

	tg := o.telegram
	if tg == nil {
		tgbotapi.SetLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
		tg, err = bot.NewTelegramMessenger(cfg.TelegramToken, bot.TelegramOptions{
			HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout() + bot.PollTimeout},
			SendRate:   float64(cfg.SendRate),
			Logger:     logger.With("component", "telegram"),
		})
		if err != nil {
			backend.Close()
			return nil, err
		}
	}

	dispatcher := bot.NewDispatcher(authSvc, transferSvc, tg, conversation.NewTracker(conversation.DefaultTTL), bot.Options{
		Logger:  logger.With("component", "bot"),
		Workers: cfg.Workers,
		Demo:    demo,
	})

	callback := handler.NewCallbackHandler(authSvc, tg, logger.With("component", "callback"))

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      backend,
		auth:       authSvc,
		transfer:   transferSvc,
		telegram:   tg,
		dispatcher: dispatcher,
		callback:   callback,
		router:     handler.NewRouter(callback, logger.With("component", "http"), cfg.HTTPTimeout()),
	}, nil
}

func openStore(cfg *config.Config, logger *slog.Logger, loadAWS func() (aws.Config, error)) (store.Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendJSON:
		return jsonstore.Open(cfg.DataDir, logger.With("component", "store"))
	case config.BackendSQLite:
		return sqlite.Open(cfg.SQLitePath(), logger.With("component", "store"))
	case config.BackendDynamoDB:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return dynamo.New(dynamodb.NewFromConfig(awsCfg), dynamo.Tables{
			Sessions: cfg.Store.SessionsTable,
			Files:    cfg.Store.FilesTable,
			Pending:  cfg.Store.PendingTable,
		}), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func newEncryptor(cfg *config.Config, loadAWS func() (aws.Config, error)) (crypto.Encryptor, error) {
	if cfg.KMSKeyID == "" {
		return crypto.Plaintext{}, nil
	}
	awsCfg, err := loadAWS()
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return crypto.NewKMSService(kms.NewFromConfig(awsCfg), cfg.KMSKeyID), nil
}

// Router is the HTTP handler serving the OAuth2 redirect.
func (a *App) Router() http.Handler { return a.router }

// Run polls Telegram and serves the redirect endpoint until ctx is
// cancelled or either side fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr(),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", "addr", srv.Addr, "redirect_url", a.cfg.RedirectURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		a.logger.Info("bot started", "workers", a.cfg.Workers, "provider", a.cfg.Drive.Provider)
		err := a.dispatcher.Run(ctx, a.telegram.Updates(ctx))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err := g.Wait()
	a.logger.Info("stopped")
	return err
}

// HandleRequest serves the redirect endpoint behind API Gateway. A leading
// /api is stripped for CloudFront-proxied deployments.
func (a *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := strings.TrimPrefix(req.Path, "/api")
	if path != config.CallbackPath {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNotFound, Body: "not found"}, nil
	}
	return a.callback.HandleAPIGateway(ctx, req)
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}
