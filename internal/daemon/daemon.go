// Package daemon wires the agent's components into a running process:
// the session registry, reconnection manager, authenticator, audit
// trail, mDNS advertisement, and the Connection Handler's listener.
package daemon

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/terminox/agent/internal/audit"
	"github.com/terminox/agent/internal/authn"
	"github.com/terminox/agent/internal/compress"
	"github.com/terminox/agent/internal/config"
	"github.com/terminox/agent/internal/conn"
	"github.com/terminox/agent/internal/logger"
	"github.com/terminox/agent/internal/mdns"
	"github.com/terminox/agent/internal/pairing"
	"github.com/terminox/agent/internal/persist"
	"github.com/terminox/agent/internal/ptysup"
	"github.com/terminox/agent/internal/reconnect"
	"github.com/terminox/agent/internal/ring"
	"github.com/terminox/agent/internal/session"
)

// Daemon owns the agent's long-lived components for the lifetime of a
// single process.
type Daemon struct {
	Config    config.Config
	Registry  *session.Registry
	Reconnect *reconnect.Manager
	Auth      *authn.Authenticator
	Audit     *audit.Store
	Server    *conn.Server
	Pairing   *pairing.Manager
	Advertise *mdns.Advertiser
	watcher   *config.Watcher

	persistPath string
}

// Run builds a Daemon from cfg and serves until ctx is cancelled or a
// SIGTERM/SIGINT arrives. configPath is watched for hot-reloadable
// changes to the safe subset of cfg.
func Run(ctx context.Context, cfg config.Config, configPath string) error {
	d, err := build(cfg, configPath)
	if err != nil {
		return err
	}
	defer d.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", cfg.ListenAddr, err)
	}

	if tlsCfg, err := tlsConfigFromSettings(cfg.TLS); err != nil {
		return fmt.Errorf("daemon: tls: %w", err)
	} else if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	mux := http.NewServeMux()
	d.Server.RegisterHealthRoutes(mux)
	d.Pairing.RegisterRoutes(mux)
	httpSrv := &http.Server{Handler: mux}
	healthAddr := cfg.HealthAddr
	if healthAddr == "" {
		healthAddr = "127.0.0.1:0"
	}
	httpLn, err := net.Listen("tcp", healthAddr)
	if err != nil {
		return fmt.Errorf("daemon: listen health endpoint: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 2)
	go func() {
		logger.Log.Info("connection handler listening", "addr", ln.Addr().String())
		errCh <- d.Server.Serve(ctx, ln)
	}()
	go func() {
		logger.Log.Info("health endpoint listening", "addr", httpLn.Addr().String())
		errCh <- httpSrv.Serve(httpLn)
	}()
	go d.runPersistenceLoop(ctx)

	logger.Log.Info("terminox agent started", "listen", cfg.ListenAddr)

	select {
	case sig := <-sigCh:
		logger.Log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		cancel()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("daemon: %w", err)
		}
	case <-ctx.Done():
	}

	return nil
}

func build(cfg config.Config, configPath string) (*Daemon, error) {
	registry := session.New(session.Config{
		MaxSessionsPerConnection: session.DefaultConfig.MaxSessionsPerConnection,
		MaxSessionsTotal:         session.DefaultConfig.MaxSessionsTotal,
		ReconnectionWindow:       time.Duration(cfg.Reconnect.WindowSeconds) * time.Second,
	})

	rc := reconnect.New(reconnect.Config{
		ReconnectionWindow: time.Duration(cfg.Reconnect.WindowSeconds) * time.Second,
		CleanupGrace:       reconnect.DefaultConfig.CleanupGrace,
	}, time.Now)

	authCfg := authn.Config{Method: authn.Method(cfg.Auth.Method), StaticToken: cfg.Auth.StaticToken}
	auth := authn.New(authCfg, time.Now)

	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		a, err := audit.Open(cfg.Audit.DBPath)
		if err != nil {
			return nil, fmt.Errorf("daemon: open audit store: %w", err)
		}
		auditStore = a
	}

	serverCfg := conn.ServerConfig{
		ShellAllowlist: cfg.Shells.AllowedShells,
		EnvPolicy: ptysup.EnvPolicy{
			Whitelist:          cfg.Env.Whitelist,
			Blacklist:          cfg.Env.Blacklist,
			MaxEnvSizeBytes:    cfg.Env.MaxEnvSizeBytes,
			MaxEnvVars:         cfg.Env.MaxEnvVars,
			AllowedShells:      cfg.Shells.AllowedShells,
			AllowedWorkingDirs: cfg.Shells.AllowedWorkingDirs,
		},
		RingConfig: ring.Config{
			MaxSizeBytes: cfg.Ring.MaxSizeBytes,
			MaxChunks:    cfg.Ring.MaxChunks,
		},
		CompressPolicy:   compress.DefaultPolicy,
		ReconnectEnabled: true,
	}
	srv := conn.NewServer(registry, rc, auth, serverCfg)
	if auditStore != nil {
		srv.Audit = auditStore
	}

	deviceStorePath := cfg.Pairing.DeviceStoreDir
	if deviceStorePath == "" {
		p, err := pairing.DefaultStorePath()
		if err != nil {
			return nil, fmt.Errorf("daemon: resolve device store path: %w", err)
		}
		deviceStorePath = p
	}
	pairingMgr := pairing.NewManager(pairing.NewDeviceStore(deviceStorePath), time.Now)
	if auditStore != nil {
		pairingMgr.Audit = auditStore
	}
	if cfg.Pairing.TimeoutSeconds > 0 {
		pairingMgr.DefaultTimeout = time.Duration(cfg.Pairing.TimeoutSeconds) * time.Second
	}
	if cfg.Pairing.DeviceExpiryDays > 0 {
		maxAge := time.Duration(cfg.Pairing.DeviceExpiryDays) * 24 * time.Hour
		if n, err := pairingMgr.ExpireStaleDevices(maxAge); err != nil {
			logger.Log.Warn("stale device sweep failed", "error", err)
		} else if n > 0 {
			logger.Log.Info("expired stale paired devices", "count", n)
		}
	}

	persistPath := cfg.Persist.Path
	if persistPath == "" {
		p, err := persist.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("daemon: resolve session persistence path: %w", err)
		}
		persistPath = p
	}
	if blob, err := persist.Load(persistPath); err != nil {
		logger.Log.Warn("session persistence blob unreadable, starting without history", "error", err)
	} else if len(blob.Sessions) > 0 {
		logger.Log.Info("loaded prior session history (informational only, processes not resumed)",
			"sessions", len(blob.Sessions), "writtenAt", blob.WrittenAt)
	}

	d := &Daemon{
		Config:      cfg,
		Registry:    registry,
		Reconnect:   rc,
		Auth:        auth,
		Audit:       auditStore,
		Server:      srv,
		Pairing:     pairingMgr,
		persistPath: persistPath,
	}

	if cfg.MDNS.Enabled {
		port := listenPort(cfg.ListenAddr)
		ad := mdns.Advertisement{
			InstanceName: cfg.MDNS.InstanceName,
			Port:         port,
			Version:      conn.AgentVersion,
			Capabilities: []mdns.Capability{mdns.CapPTY, mdns.CapReconnect, mdns.CapPersist, mdns.CapMultiplex},
			Auth:         string(authCfg.Method),
			TLS:          cfg.TLS.Enabled,
			MTLS:         cfg.TLS.ClientCA != "",
			Platform:     cfg.MDNS.Platform,
			SessionCount: registry.SessionCount,
		}
		advertiser, err := mdns.Start(ad, mdns.DefaultRefreshInterval)
		if err != nil {
			logger.Log.Warn("mdns advertisement failed to start, continuing without it", "error", err)
		} else {
			d.Advertise = advertiser
		}
	}

	if configPath != "" {
		watcher, err := config.WatchFile(configPath, func(safe config.SafeSubset) {
			d.applySafeSubset(safe)
		})
		if err != nil {
			logger.Log.Warn("config hot-reload disabled", "error", err)
		} else {
			d.watcher = watcher
		}
	}

	return d, nil
}

func (d *Daemon) applySafeSubset(safe config.SafeSubset) {
	d.Server.Config.ShellAllowlist = safe.Shells.AllowedShells
	d.Server.Config.EnvPolicy = ptysup.EnvPolicy{
		Whitelist:          safe.Env.Whitelist,
		Blacklist:          safe.Env.Blacklist,
		MaxEnvSizeBytes:    safe.Env.MaxEnvSizeBytes,
		MaxEnvVars:         safe.Env.MaxEnvVars,
		AllowedShells:      safe.Shells.AllowedShells,
		AllowedWorkingDirs: safe.Shells.AllowedWorkingDirs,
	}
	d.Server.Config.RingConfig = ring.Config{
		MaxSizeBytes: safe.Ring.MaxSizeBytes,
		MaxChunks:    safe.Ring.MaxChunks,
	}
	logger.Log.Info("applied reloaded configuration", "allowed_shells", safe.Shells.AllowedShells)
}

// savePersistedState CBOR-encodes the registry's current exported state
// to the configured persistence path.
func (d *Daemon) savePersistedState() {
	if err := persist.Save(d.persistPath, d.Registry.ExportState(), time.Now()); err != nil {
		logger.Log.Warn("failed to write session persistence blob", "error", err)
	}
}

// runPersistenceLoop periodically saves the registry's exported state
// until ctx is cancelled, then saves once more on the way out.
func (d *Daemon) runPersistenceLoop(ctx context.Context) {
	interval := time.Duration(d.Config.Persist.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.savePersistedState()
		case <-ctx.Done():
			d.savePersistedState()
			return
		}
	}
}

// Close tears down everything build started.
func (d *Daemon) Close() {
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.Advertise != nil {
		d.Advertise.Stop()
	}
	if d.Audit != nil {
		d.Audit.Close()
	}
}

func tlsConfigFromSettings(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if cfg.ClientCA != "" {
		pool, err := loadClientCA(cfg.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("load client CA: %w", err)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func loadClientCA(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}
