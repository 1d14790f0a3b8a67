// Command server runs the Kleis proxy: a multi-tenant broker between
// OpenAI/Anthropic/Copilot-compatible clients and the upstream accounts
// it holds credentials for. With --login it instead runs an interactive
// OAuth sign-in for one provider and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kleisproxy/kleis/internal/account"
	"github.com/kleisproxy/kleis/internal/api"
	"github.com/kleisproxy/kleis/internal/config"
	"github.com/kleisproxy/kleis/internal/logging"
	"github.com/kleisproxy/kleis/internal/oauth"
	"github.com/kleisproxy/kleis/internal/oauth/claude"
	"github.com/kleisproxy/kleis/internal/oauth/codex"
	"github.com/kleisproxy/kleis/internal/oauth/copilot"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/registry"
	"github.com/kleisproxy/kleis/internal/store"
	"github.com/kleisproxy/kleis/internal/usage"
	"github.com/kleisproxy/kleis/internal/util"
	"github.com/kleisproxy/kleis/internal/watcher"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	var login string

	flag.StringVar(&configPath, "config", "config.yaml", "configuration file path")
	flag.StringVar(&login, "login", "", "run an OAuth sign-in for a provider (codex, claude, copilot) and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logging.SetLogLevel(cfg.LogLevel)
	if err = logging.ConfigureLogOutput(cfg.LogDir); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = st.Close() }()

	httpClient := util.NewHTTPClient(cfg.ProxyURL)
	adapters := oauth.NewRegistry(
		codex.New(st, httpClient),
		claude.New(st, httpClient),
		copilot.New(st, httpClient),
	)
	accounts := account.NewService(st, adapters)

	if login != "" {
		if err = runLogin(accounts, login); err != nil {
			log.Fatalf("login failed: %v", err)
		}
		return
	}

	serve(cfg, configPath, st, accounts, httpClient)
}

func serve(cfg *config.Config, configPath string, st *store.Store, accounts *account.Service, httpClient *http.Client) {
	holder := config.NewHolder(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	usageManager := usage.NewManager(st, 256)
	usageManager.Start(ctx)
	defer usageManager.Stop()

	cache, err := registry.OpenCache(cfg.Registry.CachePath)
	if err != nil {
		log.Fatalf("failed to open registry cache: %v", err)
	}
	defer func() { _ = cache.Close() }()
	reg := registry.NewService(httpClient, cache, cfg.Registry.ModelsURL, cfg.Registry.CacheTTL())

	w, err := watcher.New(configPath, holder)
	if err != nil {
		log.Fatalf("failed to create config watcher: %v", err)
	}
	defer func() { _ = w.Close() }()
	if err = w.Start(ctx); err != nil {
		log.Fatalf("failed to start config watcher: %v", err)
	}

	srv := api.NewServer(api.Deps{
		Config:     holder,
		Store:      st,
		Accounts:   accounts,
		Usage:      usageManager,
		Registry:   reg,
		HTTPClient: httpClient,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err = <-errCh:
		if err != nil {
			log.Fatalf("server failed: %v", err)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown did not drain cleanly")
	}
}

// callbackAddrs maps the code-flow providers to the localhost callback
// their OAuth apps are registered with.
var callbackAddrs = map[providers.Provider]struct {
	addr string
	path string
}{
	providers.Codex:  {addr: "127.0.0.1:1455", path: "/auth/callback"},
	providers.Claude: {addr: "127.0.0.1:54545", path: "/callback"},
}

func runLogin(accounts *account.Service, raw string) error {
	provider := providers.Provider(raw)
	switch provider {
	case providers.Codex, providers.Claude, providers.Copilot:
	default:
		return fmt.Errorf("unknown provider %q (expected codex, claude, or copilot)", raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	start, err := accounts.StartProviderOAuth(ctx, provider, oauth.StartOptions{})
	if err != nil {
		return err
	}

	var code string
	if start.Method == oauth.MethodAuto {
		// Device flow: completion polls the provider, no callback needed.
		fmt.Println(start.Instructions)
		if err = open.Run(start.AuthorizationURL); err != nil {
			log.WithError(err).Debug("could not open browser")
		}
	} else {
		codeCh, stop, listenErr := listenForCallback(provider, start.State)
		if listenErr != nil {
			return listenErr
		}
		defer stop()

		fmt.Printf("Opening %s\n", start.AuthorizationURL)
		if err = open.Run(start.AuthorizationURL); err != nil {
			fmt.Println("Could not open a browser; visit the URL above manually.")
		}

		select {
		case code = <-codeCh:
		case <-ctx.Done():
			return errors.New("timed out waiting for the OAuth callback")
		}
	}

	acct, err := accounts.CompleteProviderOAuth(ctx, provider, start.State, code)
	if err != nil {
		return err
	}
	fmt.Printf("Signed in as %s (%s account %s)\n", acct.Label, acct.Provider, acct.ID)
	return nil
}

// listenForCallback serves the provider's registered localhost callback
// and delivers the authorization code of the matching state.
func listenForCallback(provider providers.Provider, state string) (<-chan string, func(), error) {
	spec := callbackAddrs[provider]
	codeCh := make(chan string, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(spec.path, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, "<html><body><h2>Login complete</h2>You can close this window.</body></html>")
		select {
		case codeCh <- code:
		default:
		}
	})

	srv := &http.Server{Addr: spec.addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("callback server failed")
		}
	}()
	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return codeCh, stop, nil
}
