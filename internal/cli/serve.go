package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/singlestore-labs/mcp-oauth"
	"github.com/singlestore-labs/mcp-oauth/analytics"
	"github.com/singlestore-labs/mcp-oauth/instrumentation"
	"github.com/singlestore-labs/mcp-oauth/internal/config"
	"github.com/singlestore-labs/mcp-oauth/internal/util"
	"github.com/singlestore-labs/mcp-oauth/providers/oidc"
	"github.com/singlestore-labs/mcp-oauth/providers/singlestore"
	"github.com/singlestore-labs/mcp-oauth/security"
	"github.com/singlestore-labs/mcp-oauth/server"
	"github.com/singlestore-labs/mcp-oauth/storage"
	"github.com/singlestore-labs/mcp-oauth/verifier"
)

const readHeaderTimeout = 10 * time.Second

func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Discovers the upstream identity provider, opens the configured store,
applies SQL migrations when needed and serves the OAuth endpoints until
interrupted.

Startup fails if the upstream discovery document cannot be fetched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(s, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, s, version, logger)
		},
	}
}

func runServe(ctx context.Context, s *config.Settings, version string, logger *slog.Logger) error {
	doc, err := oidc.NewDiscoveryClient(nil, logger).Discover(ctx, s.IssuerURL)
	if err != nil {
		return err
	}
	logger.Info("Discovered upstream provider",
		"issuer", doc.Issuer,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint)

	a, err := newApp(ctx, s, doc, version, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("Shutdown incomplete", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              s.ListenAddr(),
		Handler:           a.handler.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Authorization server listening",
			"addr", httpServer.Addr,
			"issuer", s.ServerURL(),
			"storage", s.Storage,
			"token_mode", s.TokenMode,
			"refresh_policy", s.RefreshPolicy())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		storage.RunSweeper(gctx, a.store, s.SweepInterval, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// app is the wired authorization server.
type app struct {
	inst        *instrumentation.Instrumentation
	store       *openedStore
	server      *server.Server
	handler     *oauth.Handler
	sink        analytics.Sink
	rateLimiter *security.RateLimiter
}

// newApp wires every component for an already discovered upstream.
func newApp(ctx context.Context, s *config.Settings, doc *oidc.DiscoveryDocument, version string, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.inst, err = instrumentation.New(instrumentation.Config{
		ServiceVersion: version,
		Enabled:        s.MetricsEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("instrumentation: %w", err)
	}

	provider, err := singlestore.NewProvider(&singlestore.Config{
		ClientID:        s.ClientID,
		RedirectURL:     s.CallbackURL(),
		Discovery:       doc,
		Instrumentation: a.inst,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream provider: %w", err)
	}

	a.store, err = openStore(ctx, s, a.inst, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", s.Storage, err)
	}
	if a.store.SQL != nil {
		if err := a.store.SQL.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	a.server, err = server.New(provider, a.store, &server.Config{
		Issuer:              s.ServerURL(),
		JWKSURI:             doc.JWKSUri,
		AlwaysPresentScopes: util.UnionScopes(server.DefaultAlwaysPresentScopes, s.RequiredScopes),
		RefreshPolicy:       s.RefreshPolicy(),
		TokenMode:           s.TokenMode,
		TrustProxy:          s.TrustProxy,
		TrustedProxyCount:   s.TrustedProxyCount,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("authorization server: %w", err)
	}
	a.server.SetInstrumentation(a.inst)

	auditor := security.NewAuditor(logger, s.AuditEnabled)
	auditor.SetMetrics(a.inst.Metrics())
	a.server.SetAuditor(auditor)

	if s.TokenMode == server.TokenModeUpstreamJWT {
		v, err := verifier.New(ctx, verifier.Config{
			JWKSURL:  doc.JWKSUri,
			Audience: s.ClientID,
			Issuer:   doc.Issuer,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("token verifier: %w", err)
		}
		a.server.SetVerifier(v)
	}

	if err := a.setupAnalytics(s, logger); err != nil {
		return nil, err
	}

	a.handler = oauth.NewHandler(a.server, logger)
	a.handler.SetInstrumentation(a.inst)
	if s.RateLimitRPS > 0 {
		a.rateLimiter = security.NewRateLimiter(s.RateLimitRPS, s.RateLimitBurst, logger)
		a.handler.SetRateLimiter(a.rateLimiter)
	}
	if a.store.Health != nil {
		a.handler.AddHealthCheck("storage", a.store.Health)
	}

	return a, nil
}

// setupAnalytics enables identity lookups and Segment events for remote
// deployments that configure a write key.
func (a *app) setupAnalytics(s *config.Settings, logger *slog.Logger) error {
	if !s.IsRemote() || !s.AnalyticsEnabled || s.SegmentWriteKey == "" {
		logger.Debug("Analytics disabled")
		return nil
	}

	sink, err := analytics.NewSegmentSink(analytics.SegmentConfig{
		WriteKey: s.SegmentWriteKey,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("analytics sink: %w", err)
	}
	a.sink = sink

	resolver, err := analytics.NewIdentityResolver(analytics.IdentityResolverConfig{
		APIBaseURL:     s.S2APIBaseURL,
		OrganizationID: s.OrgID,
	})
	if err != nil {
		return fmt.Errorf("identity resolver: %w", err)
	}
	a.server.SetAnalytics(resolver, sink)
	return nil
}

// Close releases everything newApp acquired. Safe on a partially built app.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.rateLimiter != nil {
		a.rateLimiter.Stop()
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.inst != nil {
		errs = append(errs, a.inst.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
