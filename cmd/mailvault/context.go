package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/matta/mailvault/internal/config"
	"github.com/matta/mailvault/internal/coord"
	"github.com/matta/mailvault/internal/credential"
	"github.com/matta/mailvault/internal/gmail"
	"github.com/matta/mailvault/internal/gmailhttp"
	"github.com/matta/mailvault/internal/imapsrc"
	"github.com/matta/mailvault/internal/logging"
	"github.com/matta/mailvault/internal/parse"
	"github.com/matta/mailvault/internal/persist"
	"github.com/matta/mailvault/internal/source"
	"github.com/matta/mailvault/internal/staging"
	mailsync "github.com/matta/mailvault/internal/sync"
	"github.com/matta/mailvault/internal/tracehttp"

	"github.com/pkg/errors"
)

type rootFlags struct {
	config   string
	trace    bool
	logLevel string
	mailbox  string
}

type commandContext struct {
	flags *rootFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(flags *rootFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if c.flags.logLevel != "" {
			cfg.Log.Level = c.flags.logLevel
		}
		if c.flags.trace {
			cfg.Log.Level = "debug"
		}
		if c.flags.mailbox != "" {
			cfg.Source.Mailbox = c.flags.mailbox
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// env holds the collaborators shared by the subcommands.
type env struct {
	cfg   *config.Config
	trace bool
	log   *slog.Logger
	store *persist.DB
	coord coord.Coordinator
	area  *staging.Area
}

// open loads the configuration, then opens the identity store, the
// coordinator and the staging area it names.
func (c *commandContext) open(ctx context.Context) (*env, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, trace: c.flags.trace, log: log}

	if cfg.Store.Driver != persist.DriverPostgres {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0700); err != nil {
			return nil, errors.Wrap(err, "creating database directory")
		}
	}
	e.store, err = persist.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}
	e.coord, err = openCoordinator(ctx, cfg.Coordinator, e.store)
	if err != nil {
		e.Close()
		return nil, errors.Wrap(err, "unable to initialize coordinator")
	}
	e.area, err = staging.New(cfg.Staging.BaseDir, cfg.Staging.Ext)
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func openCoordinator(ctx context.Context, cfg config.CoordinatorConfig, db *persist.DB) (coord.Coordinator, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return coord.NewMemory(), nil
	case config.BackendSQL:
		c, err := coord.NewSQL(ctx, db.X(), cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendNATS:
		c, err := coord.NewNATS(cfg.NATSURL, cfg.Bucket, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, errors.Errorf("unknown coordinator backend %q", cfg.Backend)
}

func (e *env) Close() error {
	var first error
	if e.coord != nil {
		first = e.coord.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// keyringDir is where the file keyring lives when no OS keyring is
// available.
func keyringDir() string {
	dir, err := config.ExpandHome("~/.local/share/mailvault/keyring")
	if err != nil {
		return filepath.Join(os.TempDir(), "mailvault-keyring")
	}
	return dir
}

// imapPassword returns the configured password, falling back to the
// keyring.
func (e *env) imapPassword() (string, error) {
	s := e.cfg.Source
	if s.Password != "" {
		return s.Password, nil
	}
	creds, err := credential.Open(keyringDir())
	if err != nil {
		return "", err
	}
	pw, err := creds.Get(credential.IMAPKey(s.Username, s.Host))
	if errors.Cause(err) == credential.ErrNotFound {
		return "", errors.Errorf("no password for %s at %s; set source.password or run `mailvault password`", s.Username, s.Host)
	}
	return pw, err
}

func (e *env) openSource(ctx context.Context) (source.Source, error) {
	s := e.cfg.Source
	switch s.Kind {
	case config.KindIMAP:
		pw, err := e.imapPassword()
		if err != nil {
			return nil, err
		}
		src, err := imapsrc.New(ctx, imapsrc.Options{
			Host:              s.Host,
			Port:              s.Port,
			Username:          s.Username,
			Password:          pw,
			Security:          s.Security,
			Address:           s.Address,
			CommandsPerSecond: s.RateLimit,
			MaxConns:          s.MaxConns,
		}, e.log)
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize IMAP")
		}
		return src, nil
	case config.KindGmail:
		var base http.RoundTripper = http.DefaultTransport
		if e.trace {
			base = tracehttp.Wrap(base, e.log)
		}
		client, err := gmailhttp.New(gmailhttp.Options{
			TokenCommand: s.GmailTokenCommand,
			User:         s.GmailUser,
			Scope:        gmail.ReadonlyScope,
			APIKey:       s.GmailAPIKey,
			Base:         base,
		})
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize GMail HTTP client")
		}
		src, err := gmail.New(ctx, client, s.RateLimit, e.log)
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize GMail")
		}
		return src, nil
	}
	return nil, errors.Errorf("unknown source kind %q", s.Kind)
}

func (e *env) runner(src source.Source) (*mailsync.Runner, error) {
	p, err := parse.ForExt(e.area.Ext())
	if err != nil {
		return nil, err
	}
	policy := mailsync.PolicyDefault
	if e.cfg.Sync.Strict {
		policy = mailsync.PolicyStrict
	}
	return &mailsync.Runner{
		Source: src,
		Store:  e.store,
		Coord:  e.coord,
		Area:   e.area,
		Parser: p,
		Log:    e.log,
		Options: mailsync.Options{
			Concurrency:   e.cfg.Sync.Concurrency,
			BatchSize:     e.cfg.Sync.BatchSize,
			QueueCapacity: e.cfg.Queue.Capacity,
			Policy:        policy,
			PollInterval:  e.cfg.Sync.PollInterval,
		},
	}, nil
}

// generation returns flagGen, or the latest generation recorded for
// t when flagGen is zero.
func (e *env) generation(ctx context.Context, r *mailsync.Runner, mailbox string, flagGen uint64) (uint64, error) {
	if flagGen != 0 {
		return flagGen, nil
	}
	t := r.Target(mailbox)
	gen, ok, err := e.store.LatestGeneration(ctx, t)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Errorf("no generation recorded for %s/%s; run `mailvault plan --enqueue` first", t.SourceAddress, t.Mailbox)
	}
	return gen, nil
}
