package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/omarchy/mailchat/internal/bus"
	"github.com/omarchy/mailchat/internal/config"
	"github.com/omarchy/mailchat/internal/jobs"
	"github.com/omarchy/mailchat/internal/lock"
	"github.com/omarchy/mailchat/internal/logging"
	"github.com/omarchy/mailchat/internal/mailbox"
	"github.com/omarchy/mailchat/internal/mime"
	"github.com/omarchy/mailchat/internal/profile"
	"github.com/omarchy/mailchat/internal/remote"
	"github.com/omarchy/mailchat/internal/smtpsender"
	"github.com/omarchy/mailchat/internal/status"
	"github.com/omarchy/mailchat/internal/store"
	intsync "github.com/omarchy/mailchat/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideEncrypter,
			provideQueue,
			provideMailbox,
			provideIMAP,
			provideRemoteClient,
			provideSMTP,
			provideRunner,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(profile.ProfileConfigPath(p.Profile))
	if err != nil {
		return nil, fmt.Errorf("profile %q is not configured: %w", p.Profile, err)
	}
	if cfg.Account.Addr == "" {
		return nil, fmt.Errorf("profile %q has no account address", p.Profile)
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}

	// The account settings live in the TOML config; mirror them into the
	// kv table so storage-level code has a single source.
	for key, value := range map[string]string{
		"configured_addr": cfg.Account.Addr,
		"displayname":     cfg.Account.DisplayName,
		"signature":       cfg.Account.Signature,
		"readreceipts":    boolKV(cfg.Account.ReadReceipts),
	} {
		if err := db.SetConfig(key, value); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func boolKV(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func provideEncrypter() mime.Encrypter {
	return mime.NullEncrypter{}
}

func provideQueue(db *store.DB, logger *zap.Logger) *jobs.Queue {
	return jobs.NewQueue(db, logger)
}

func provideMailbox(db *store.DB, queue *jobs.Queue, b *bus.Bus, logger *zap.Logger) *mailbox.Mailbox {
	return mailbox.New(db, queue, b, logger)
}

// kvStates persists sync cursors in the profile database.
type kvStates struct {
	db *store.DB
}

func (s kvStates) GetState(key string) (string, error) {
	return s.db.GetConfig(key, ""), nil
}

func (s kvStates) SetState(key, value string) error {
	return s.db.SetConfig(key, value)
}

func provideIMAP(cfg *config.Config, db *store.DB, logger *zap.Logger) *remote.IMAPClient {
	return remote.NewIMAPClient(remote.Config{
		Server:      cfg.IMAP.Server,
		User:        cfg.IMAP.User,
		Password:    cfg.IMAP.Password,
		ChatsFolder: cfg.IMAP.ChatsFolder,
		SentFolder:  cfg.IMAP.SentFolder,
	}, kvStates{db: db}, logger)
}

func provideRemoteClient(c *remote.IMAPClient) remote.Client {
	return c
}

func provideSMTP(cfg *config.Config, logger *zap.Logger) smtpsender.Sender {
	return smtpsender.NewClient(smtpsender.Config{
		Server:   cfg.SMTP.Server,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
	}, logger)
}

func provideRunner(p Params, db *store.DB, queue *jobs.Queue, rc remote.Client,
	smtp smtpsender.Sender, enc mime.Encrypter, b *bus.Bus, logger *zap.Logger) *jobs.Runner {
	newFactory := func() *mime.Factory {
		return mime.NewFactory(db, enc, logger)
	}
	return jobs.NewRunner(db, queue, rc, smtp, newFactory, b, profile.BlobDir(p.Profile), logger)
}

func provideEngine(rc remote.Client, machine *status.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(rc, machine, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, imap *remote.IMAPClient,
	mb *mailbox.Mailbox, runner *jobs.Runner, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Fetched messages flow straight into local storage.
			imap.SetReceiver(mb.ReceiveMail)

			runner.Start(context.Background())
			engine.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Stop()
			runner.Stop()
			imap.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
