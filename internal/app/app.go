// Package app wires configured components into a ready TurnService.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"goal-clarifier/internal/config"
	"goal-clarifier/internal/integrations/openai"
	"goal-clarifier/internal/integrations/paramstore"
	"goal-clarifier/internal/repository"
	"goal-clarifier/internal/session"
	"goal-clarifier/internal/store"
	"goal-clarifier/internal/strategy"
	"goal-clarifier/internal/usecase"
)

// App holds the wired components. Close releases the session store.
type App struct {
	Service  *usecase.TurnService
	Sessions *session.Manager

	closers []func() error
	checks  []func(ctx context.Context) error
}

// loadAWSConfig is replaced in tests.
var loadAWSConfig = func(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// New builds the application from cfg. AWS configuration is only loaded when
// the key lives in SSM or sessions live in DynamoDB.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{}
	lazy := &lazyAWS{}

	keys, err := keySource(ctx, cfg.Backend, lazy)
	if err != nil {
		return nil, err
	}
	client, err := openai.NewClient(keys, cfg.Backend.Model, openai.WithBaseURL(cfg.Backend.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("app: create backend client: %w", err)
	}

	st, err := a.sessionStore(ctx, cfg.Storage, lazy)
	if err != nil {
		return nil, err
	}
	opts := []session.ManagerOption{session.WithMaxCached(cfg.Limits.MaxCachedSessions)}
	if cfg.Storage.Driver == config.StorageDynamoDB {
		// concurrent Lambda instances append to the same table
		opts = append(opts, session.WithReload())
	}
	manager, err := session.NewManager(st, opts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	selector, err := strategy.NewSelector()
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: create strategy selector: %w", err)
	}

	var moderator usecase.Moderator
	if cfg.Backend.ModerationEnabled {
		moderator = client
	}
	svc, err := usecase.NewTurnService(client, selector, manager, moderator, cfg.TurnSettings())
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	slog.Info("application wired",
		"model", cfg.Backend.Model,
		"storage", cfg.Storage.Driver,
		"moderation", cfg.Backend.ModerationEnabled,
	)
	a.Service = svc
	a.Sessions = manager
	return a, nil
}

// Ready pings the session store when it supports it.
func (a *App) Ready(ctx context.Context) error {
	for _, check := range a.checks {
		if err := check(ctx); err != nil {
			return fmt.Errorf("app: store not ready: %w", err)
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func keySource(ctx context.Context, cfg config.BackendConfig, lazy *lazyAWS) (openai.KeySource, error) {
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		return openai.StaticKey(key), nil
	}
	awsCfg, err := lazy.get(ctx)
	if err != nil {
		return nil, err
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create SSM client: %w", err)
	}
	keys, err := openai.NewParamStoreKey(ssmClient, cfg.ParamPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return keys, nil
}

func (a *App) sessionStore(ctx context.Context, cfg config.StorageConfig, lazy *lazyAWS) (session.Store, error) {
	switch cfg.Driver {
	case config.StorageMemory, "":
		return session.NewMemoryStore(), nil
	case config.StorageSQLite:
		s, err := store.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("app: open sqlite store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.checks = append(a.checks, s.Ping)
		return s, nil
	case config.StorageDynamoDB:
		awsCfg, err := lazy.get(ctx)
		if err != nil {
			return nil, err
		}
		c, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("app: create dynamodb store: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("app: unknown storage driver %q", cfg.Driver)
	}
}

type lazyAWS struct {
	cfg    aws.Config
	loaded bool
}

func (l *lazyAWS) get(ctx context.Context) (aws.Config, error) {
	if l.loaded {
		return l.cfg, nil
	}
	cfg, err := loadAWSConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
	}
	l.cfg, l.loaded = cfg, true
	return cfg, nil
}
