package createtree

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/createtree2017/createtree/pkg/filestore"
	"github.com/createtree2017/createtree/pkg/lease"
	"github.com/createtree2017/createtree/pkg/lyrics"
	"github.com/createtree2017/createtree/pkg/notify"
	"github.com/createtree2017/createtree/pkg/openai"
	"github.com/createtree2017/createtree/pkg/orchestrator"
	"github.com/createtree2017/createtree/pkg/storage"
	"github.com/createtree2017/createtree/pkg/suno"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Config holds the settings shared by every command that generates music.
type Config struct {
	Debug bool

	DBType string
	DBConn string

	FSType     string
	FSConn     string
	FSEndpoint string
	FSBaseURL  string

	SunoBaseURL  string
	SunoToken    string
	SunoModel    string
	SunoCallback string
	SunoWait     time.Duration

	OpenAIToken   string
	OpenAIModel   string
	OpenAIBaseURL string
	Language      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Interval      time.Duration
	Timeout       time.Duration
	MaxPollErrors int
	SubmitGrace   time.Duration
	Format        string
}

// Register adds the shared flags to fs.
func (c *Config) Register(fs *flag.FlagSet) {
	fs.BoolVar(&c.Debug, "debug", false, "debug mode")

	fs.StringVar(&c.DBType, "db-type", "sqlite", "db type (sqlite, mysql, postgres)")
	fs.StringVar(&c.DBConn, "db-conn", "createtree.db", "path for sqlite, dsn for mysql or postgres")

	fs.StringVar(&c.FSType, "fs-type", "local", "fs type (local, s3)")
	fs.StringVar(&c.FSConn, "fs-conn", "files", "path for local, key:secret@bucket.region for s3")
	fs.StringVar(&c.FSEndpoint, "fs-endpoint", "", "custom s3 compatible endpoint")
	fs.StringVar(&c.FSBaseURL, "fs-base-url", "http://localhost:8080/files", "public url of the local fs")

	fs.StringVar(&c.SunoBaseURL, "suno-base-url", "", "music provider api base url")
	fs.StringVar(&c.SunoToken, "suno-token", "", "music provider api token")
	fs.StringVar(&c.SunoModel, "suno-model", "", "music provider model")
	fs.StringVar(&c.SunoCallback, "suno-callback", "", "callback url sent to the provider")
	fs.DurationVar(&c.SunoWait, "suno-wait", 200*time.Millisecond, "minimum wait between provider requests")

	fs.StringVar(&c.OpenAIToken, "openai-token", "", "openai token for lyrics (empty uses templates)")
	fs.StringVar(&c.OpenAIModel, "openai-model", "", "openai model for lyrics")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "openai compatible base url")
	fs.StringVar(&c.Language, "language", "ko", "default lyrics language")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis address for poll leases (empty uses in-process leases)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis db")

	fs.DurationVar(&c.Interval, "poll-interval", orchestrator.DefaultInterval, "wait between provider polls")
	fs.DurationVar(&c.Timeout, "job-timeout", orchestrator.DefaultTimeout, "max time between submission and result")
	fs.IntVar(&c.MaxPollErrors, "max-poll-errors", orchestrator.DefaultMaxPollErrors, "consecutive poll errors tolerated")
	fs.DurationVar(&c.SubmitGrace, "submit-grace", orchestrator.DefaultSubmitGrace, "time before an unsubmitted job is considered abandoned")
	fs.StringVar(&c.Format, "format", "", "output format hint sent to the provider")
}

// Service is every component wired together.
type Service struct {
	Store        *storage.Store
	Files        *filestore.Store
	Notifier     *notify.Notifier
	Orchestrator *orchestrator.Orchestrator

	redis *redis.Client
}

// Open connects to the database and storage and builds the orchestrator.
func Open(ctx context.Context, cfg *Config) (*Service, error) {
	if cfg.SunoToken == "" {
		return nil, errors.New("createtree: suno token is required")
	}
	store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("createtree: couldn't create orm store: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("createtree: couldn't start orm store: %w", err)
	}
	svc := &Service{Store: store}
	if err := store.Migrate(ctx); err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("createtree: couldn't migrate orm store: %w", err)
	}

	files, err := filestore.New(ctx, &filestore.Config{
		Type:     cfg.FSType,
		Conn:     cfg.FSConn,
		Endpoint: cfg.FSEndpoint,
		BaseURL:  cfg.FSBaseURL,
		Debug:    cfg.Debug,
	})
	if err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("createtree: couldn't create file storage: %w", err)
	}
	svc.Files = files

	var locker lease.Locker = lease.NewLocal()
	if cfg.RedisAddr != "" {
		client, err := lease.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			_ = svc.Close()
			return nil, fmt.Errorf("createtree: %w", err)
		}
		svc.redis = client
		locker = lease.NewRedis(client, "createtree:poll:")
	}

	var generator lyrics.Generator
	if cfg.OpenAIToken != "" {
		generator = openai.New(&openai.Config{
			Debug:   cfg.Debug,
			Token:   cfg.OpenAIToken,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
	} else {
		log.Info().Msg("createtree: no openai token, lyrics will use templates")
	}

	provider := suno.New(&suno.Config{
		BaseURL:     cfg.SunoBaseURL,
		Token:       cfg.SunoToken,
		Model:       cfg.SunoModel,
		CallbackURL: cfg.SunoCallback,
		Wait:        cfg.SunoWait,
		Debug:       cfg.Debug,
	})

	svc.Notifier = notify.New()
	svc.Orchestrator = orchestrator.New(&orchestrator.Config{
		Store:    store,
		Provider: provider,
		Migrator: files,
		Lyrics: lyrics.New(&lyrics.Config{
			Generator: generator,
			Language:  cfg.Language,
		}),
		Notifier:      svc.Notifier,
		Locker:        locker,
		Interval:      cfg.Interval,
		Timeout:       cfg.Timeout,
		MaxPollErrors: cfg.MaxPollErrors,
		SubmitGrace:   cfg.SubmitGrace,
		Format:        cfg.Format,
	})
	return svc, nil
}

func (s *Service) Close() error {
	var errs []error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("createtree: couldn't close redis: %w", err))
		}
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("createtree: couldn't close orm store: %w", err))
	}
	return errors.Join(errs...)
}
