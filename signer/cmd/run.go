package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/keybunker/keybunker/relay/client"
	"github.com/keybunker/keybunker/signer/config"
	"github.com/keybunker/keybunker/signer/daemon"
	signerhttp "github.com/keybunker/keybunker/signer/http"
	"github.com/keybunker/keybunker/signer/keystore"
	"github.com/keybunker/keybunker/signer/metrics"
	"github.com/keybunker/keybunker/signer/notify"
	"github.com/keybunker/keybunker/signer/permission"
	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/store"
	"github.com/keybunker/keybunker/util"
)

const (
	authTokenLength = 32
	shutdownTimeout = 30 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the signer daemon",
	RunE:  execute,
}

func waitForExitSignal() {
	osSigs := make(chan os.Signal, 1)
	signal.Notify(osSigs, syscall.SIGINT, syscall.SIGTERM)
	<-osSigs
}

func execute(cmd *cobra.Command, _ []string) error {
	err := util.InitLog(logLevel, logFile)
	if err != nil {
		return fmt.Errorf("failed to initialize log: %s", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}
	if err := ensureAuthToken(cmd.Context(), cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(util.WithSource(context.Background(), util.SystemSource))
	defer cancel()

	// Resource creation phase (fail fast before starting any goroutines)

	var metricsServer *metrics.Server
	var meter metric.Meter = noop.NewMeterProvider().Meter("keybunker")
	if cfg.MetricsPort > 0 {
		metricsServer, err = metrics.NewServer(cfg.MetricsPort, "")
		if err != nil {
			return fmt.Errorf("setup metrics: %v", err)
		}
		meter = metricsServer.Meter
	}
	appMetrics, err := metrics.NewAppMetrics(meter)
	if err != nil {
		return fmt.Errorf("setup app metrics: %v", err)
	}

	st, err := store.NewSqliteStore(ctx, cfg.Datadir)
	if err != nil {
		return fmt.Errorf("failed creating store %s: %v", cfg.Datadir, err)
	}
	cache := store.NewCache(st)
	if err := cache.Reload(ctx); err != nil {
		_ = st.Close(ctx)
		return fmt.Errorf("failed loading store: %v", err)
	}

	wrapping, err := openKeystore(cfg)
	if err != nil {
		_ = st.Close(ctx)
		return err
	}

	clock := clockwork.NewRealClock()
	notifier := notify.NewManager(appMetrics)
	manager := permission.NewManager(st, cache, notifier, clock)
	d := daemon.New(ctx, cfg.DaemonConfig(), manager, notifier, client.NostrTransport{}, wrapping, clock, appMetrics)

	handler, err := signerhttp.NewAPIHandler(ctx, d, notifier, meter, signerhttp.Config{
		Token:          cfg.HttpConfig.AuthToken,
		AllowedOrigins: cfg.HttpConfig.AllowedOrigins,
	})
	if err != nil {
		_ = st.Close(ctx)
		return fmt.Errorf("failed creating API handler: %v", err)
	}
	apiServer := &http.Server{
		Addr:              cfg.HttpConfig.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := d.Start(ctx); err != nil {
		_ = st.Close(ctx)
		return fmt.Errorf("failed starting daemon: %v", err)
	}

	wg := sync.WaitGroup{}
	startServers(&wg, metricsServer, apiServer)

	waitForExitSignal()
	log.Infof("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	err = shutdownServers(shutdownCtx, metricsServer, apiServer, d, st)
	cancel()
	wg.Wait()
	return err
}

func ensureAuthToken(ctx context.Context, cfg *config.Config) error {
	if cfg.HttpConfig.AuthToken != "" {
		return nil
	}
	token, err := base62.Random(authTokenLength)
	if err != nil {
		return fmt.Errorf("failed generating API token: %v", err)
	}
	cfg.HttpConfig.AuthToken = token
	if err := config.Save(ctx, configPath, cfg); err != nil {
		return fmt.Errorf("failed saving config %s: %v", configPath, err)
	}
	log.Infof("generated API token, stored in %s", configPath)
	return nil
}

func openKeystore(cfg *config.Config) (daemon.WrappingKeys, error) {
	if cfg.Keyring.Disabled {
		log.Infof("keychain disabled, keys need a passphrase after every start")
		return nil, nil
	}
	ks, err := keystore.Open(cfg.KeystoreConfig())
	if err != nil {
		if s, ok := status.FromError(err); ok && s.Type() == status.PreconditionFailed {
			log.Warnf("%v, keys need a passphrase after every start", err)
			return nil, nil
		}
		return nil, err
	}
	return ks, nil
}

func startServers(wg *sync.WaitGroup, metricsServer *metrics.Server, apiServer *http.Server) {
	if metricsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("running metrics server: %s%s", metricsServer.Addr, metricsServer.Endpoint)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start metrics server: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("running API server: %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start API server: %v", err)
		}
	}()
}

func shutdownServers(ctx context.Context, metricsServer *metrics.Server, apiServer *http.Server, d *daemon.Daemon, st store.Store) error {
	var errs error

	if err := apiServer.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close API server: %w", err))
	}

	if err := d.Close(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to lock keys: %w", err))
	}

	if err := st.Close(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	if metricsServer != nil {
		log.Infof("shutting down metrics server")
		if err := metricsServer.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close metrics server: %w", err))
		}
	}

	return errs
}
