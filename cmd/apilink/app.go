package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/nerrad567/apilink/internal/apiclient"
	"github.com/nerrad567/apilink/internal/auth"
	"github.com/nerrad567/apilink/internal/history"
	"github.com/nerrad567/apilink/internal/infrastructure/config"
	"github.com/nerrad567/apilink/internal/infrastructure/database"
	"github.com/nerrad567/apilink/internal/infrastructure/influxdb"
	"github.com/nerrad567/apilink/internal/infrastructure/logging"
	"github.com/nerrad567/apilink/internal/infrastructure/mqtt"
	"github.com/nerrad567/apilink/internal/loader"
	"github.com/nerrad567/apilink/internal/metacache"
	"github.com/nerrad567/apilink/internal/rtc"
)

// configEnv names the config file when --config is not given.
const configEnv = "APILINK_CONFIG"

// errNoCollection is returned by commands that need at least one collection.
var errNoCollection = errors.New("no collection configured: pass --collection or list collections in the config file")

// app holds the global flags and everything opened while a command runs.
// Resources are released in reverse order by close.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath  string
	collections []string
	logLevel    string

	cfg     *config.Config
	log     *logging.Logger
	db      *database.DB
	rec     *history.Recorder
	manager *apiclient.Manager

	closers []func()
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// getConfigPath returns --config, then APILINK_CONFIG, then "" for the
// built-in defaults.
func (a *app) getConfigPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	return os.Getenv(configEnv)
}

// setup loads configuration and replaces the bootstrap logger.
func (a *app) setup() error {
	if a.cfg != nil {
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	path := a.getConfigPath()
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a.cfg = cfg
	a.log = logging.New(cfg.Logging, version)
	if a.logLevel != "" {
		a.log.SetLevel(a.logLevel)
	}
	a.onClose(func() {
		a.log.Close() //nolint:errcheck // nothing left to report to
	})
	a.log.Debug("configuration loaded", "path", path, "commit", commit, "build_date", date)
	return nil
}

// openDB opens the shared SQLite database and applies pending migrations.
func (a *app) openDB(ctx context.Context) (*database.DB, error) {
	db, err := a.openRawDB(ctx)
	if err != nil {
		return nil, err
	}
	n, err := db.Migrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	if n > 0 {
		a.log.Info("database migrated", "path", db.Path(), "applied", n)
	}
	return db, nil
}

// openRawDB opens the shared SQLite database without touching its schema.
func (a *app) openRawDB(ctx context.Context) (*database.DB, error) {
	if a.db != nil {
		return a.db, nil
	}

	db, err := database.Open(ctx, database.ConfigFrom(a.cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.onClose(func() {
		a.log.Debug("closing database")
		if err := db.Close(); err != nil {
			a.log.Error("error closing database", "error", err)
		}
	})
	a.log.Debug("database open", "path", db.Path())

	a.db = db
	return db, nil
}

// recorder opens the request history and prunes entries past the
// configured retention.
func (a *app) recorder(ctx context.Context) (*history.Recorder, error) {
	if a.rec != nil {
		return a.rec, nil
	}

	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	rec := history.NewRecorder(db.DB, history.WithLogger(a.log))
	a.onClose(func() {
		if err := rec.Close(); err != nil {
			a.log.Error("error closing history", "error", err)
		}
		if n := rec.Dropped(); n > 0 {
			a.log.Warn("history entries dropped", "count", n)
		}
	})

	if days := a.cfg.History.RetentionDays; days > 0 {
		n, err := rec.Prune(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			a.log.Warn("pruning history failed", "error", err)
		} else if n > 0 {
			a.log.Info("history pruned", "removed", n, "retention_days", days)
		}
	}

	a.rec = rec
	return rec, nil
}

// connectInflux connects the telemetry writer.
func (a *app) connectInflux(ctx context.Context) (*influxdb.Client, error) {
	cfg := a.cfg.InfluxDB
	client, err := influxdb.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		a.log.Error("InfluxDB write error", "error", err)
	})
	a.onClose(func() {
		a.log.Debug("closing InfluxDB connection")
		if err := client.Close(); err != nil {
			a.log.Error("error closing InfluxDB", "error", err)
		}
		if n := client.Failures(); n > 0 {
			a.log.Warn("InfluxDB rejected batches", "count", n)
		}
	})
	a.log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client, nil
}

// metadataCache returns the manager's metadata cache, backed by SQLite when
// cache.persistent is set.
func (a *app) metadataCache(ctx context.Context) (*metacache.Cache[*apiclient.Response], error) {
	policy := metacache.Policy{
		MaxEntries: a.cfg.Cache.MaxEntries,
		TTL:        time.Duration(a.cfg.Cache.TTL) * time.Second,
	}

	var store metacache.Store[*apiclient.Response]
	if a.cfg.Cache.Persistent {
		db, err := a.openDB(ctx)
		if err != nil {
			return nil, err
		}
		store = metacache.NewSQLStore[*apiclient.Response](db.DB)
	}
	return metacache.New[*apiclient.Response](store, policy), nil
}

// sources returns the configured collections followed by --collection
// values, so flags become the default collection.
func (a *app) sources() []config.CollectionSource {
	sources := slices.Clone(a.cfg.Collections)
	for _, src := range a.collections {
		sources = append(sources, config.CollectionSource{Source: src})
	}
	return sources
}

// loadManager builds the manager with every collection, wiring history,
// telemetry, MQTT and auth as configured.
func (a *app) loadManager(ctx context.Context) (*apiclient.Manager, error) {
	if a.manager != nil {
		return a.manager, nil
	}

	sources := a.sources()
	if len(sources) == 0 {
		return nil, errNoCollection
	}

	client, err := newHTTPClient(a.cfg.Client)
	if err != nil {
		return nil, err
	}
	headers, err := authHeaders(a.cfg.Auth, a.cfg.Client.UserAgent, client)
	if err != nil {
		return nil, err
	}

	rtcOpts := rtc.Options{
		MaxReconnectAttempts: a.cfg.RTC.MaxReconnectAttempts,
		BaseDelay:            time.Duration(a.cfg.RTC.BaseDelay) * time.Millisecond,
		MaxDelay:             time.Duration(a.cfg.RTC.MaxDelay) * time.Millisecond,
		Logger:               a.log,
	}

	var observers []apiclient.Observer
	if a.cfg.History.Enabled {
		rec, err := a.recorder(ctx)
		if err != nil {
			return nil, err
		}
		observers = append(observers, rec)
	}
	if a.cfg.InfluxDB.Enabled {
		influx, err := a.connectInflux(ctx)
		if err != nil {
			return nil, err
		}
		observers = append(observers, influx)
		rtcOpts.OnStateChange = influx.WriteConnectionState
	}

	factory := rtc.NewFactory(rtcOpts)
	if a.cfg.MQTT.Enabled {
		mqtt.Register(factory, a.cfg.MQTT)
		a.log.Debug("MQTT transport registered",
			"broker", fmt.Sprintf("%s:%d", a.cfg.MQTT.Broker.Host, a.cfg.MQTT.Broker.Port),
		)
	}

	cache, err := a.metadataCache(ctx)
	if err != nil {
		return nil, err
	}

	opts := []apiclient.Option{
		apiclient.WithHTTPClient(client),
		apiclient.WithFactory(factory),
		apiclient.WithLogger(a.log),
		apiclient.WithObservers(observers...),
	}

	var m *apiclient.Manager
	for _, src := range sources {
		cc, err := a.loadCollection(ctx, src, client)
		if err != nil {
			return nil, err
		}
		if headers != nil {
			cc.ProcessHeaders = apiclient.MergeHeaders(headers, cc.ProcessHeaders)
		}

		if m == nil {
			m, err = apiclient.NewManager(cc,
				apiclient.WithCollectionOptions(opts...),
				apiclient.WithMetadataCache(cache),
				apiclient.WithManagerLogger(a.log),
			)
			if err != nil {
				return nil, err
			}
			continue
		}
		c, err := apiclient.NewCollection(cc, opts...)
		if err != nil {
			return nil, err
		}
		m.Register(c)
	}

	a.onClose(func() {
		if err := m.Close(); err != nil {
			a.log.Error("error closing connections", "error", err)
		}
	})
	a.manager = m
	return m, nil
}

// loadCollection reads one collection source from disk or over HTTP.
func (a *app) loadCollection(ctx context.Context, src config.CollectionSource, client *http.Client) (apiclient.CollectionConfig, error) {
	var (
		f   *loader.File
		err error
	)
	if src.IsRemote() {
		f, err = loader.LoadRemote(ctx, src.Source, loader.RemoteOptions{
			Timeout:   time.Duration(a.cfg.Remote.Timeout) * time.Second,
			Retries:   a.cfg.Remote.Retries,
			BaseDelay: time.Duration(a.cfg.Remote.BaseDelay) * time.Millisecond,
			Client:    client,
		})
	} else {
		f, err = loader.LoadFile(src.Source)
	}
	if err != nil {
		return apiclient.CollectionConfig{}, fmt.Errorf("loading collection %s: %w", src.Source, err)
	}

	cc, err := f.Build()
	if err != nil {
		return apiclient.CollectionConfig{}, fmt.Errorf("building collection %s: %w", src.Source, err)
	}
	if src.Name != "" {
		cc.Name = src.Name
	}
	a.log.Debug("collection loaded", "name", cc.Name, "source", src.Source)
	return cc, nil
}

// newHTTPClient returns the client used for operations and remote
// collection files.
func newHTTPClient(cfg config.ClientConfig) (*http.Client, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // Opt-in for local development servers
	}
	if cfg.TLS.CAFile != "" {
		pem, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLS.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // DefaultTransport is always *http.Transport
	transport.TLSClientConfig = tlsCfg

	return &http.Client{
		Timeout:   time.Duration(cfg.Timeout) * time.Second,
		Transport: transport,
	}, nil
}

// authHeaders combines the configured credential processors. It returns nil
// when nothing is configured.
func authHeaders(cfg config.AuthConfig, userAgent string, client *http.Client) (apiclient.HeaderProcessor, error) {
	var procs []apiclient.HeaderProcessor

	if userAgent != "" {
		procs = append(procs, apiclient.StaticHeaders(map[string]string{"User-Agent": userAgent}))
	}
	if cfg.RequestID {
		procs = append(procs, auth.RequestID())
	}
	if cfg.OAuth2.TokenURL != "" {
		procs = append(procs, auth.OAuth2ClientCredentials(auth.OAuth2Config{
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret,
			TokenURL:     cfg.OAuth2.TokenURL,
			Scopes:       cfg.OAuth2.Scopes,
			HTTPClient:   client,
		}))
	}
	if cfg.JWT.Secret != "" {
		bearer, err := auth.BearerJWT(auth.JWTConfig{
			Secret:   cfg.JWT.Secret,
			Issuer:   cfg.JWT.Issuer,
			Subject:  cfg.JWT.Subject,
			Audience: cfg.JWT.Audience,
			Scope:    cfg.JWT.Scope,
			TTL:      time.Duration(cfg.JWT.TTL) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("configuring JWT auth: %w", err)
		}
		procs = append(procs, bearer)
	}

	if len(procs) == 0 {
		return nil, nil
	}
	return apiclient.MergeHeaders(procs...), nil
}

// printJSON writes v to stdout as indented JSON.
func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
