package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/yniverz/edgeplane/internal/api"
	"github.com/yniverz/edgeplane/internal/certs"
	"github.com/yniverz/edgeplane/internal/cloudflare"
	"github.com/yniverz/edgeplane/internal/config"
	"github.com/yniverz/edgeplane/internal/dnssync"
	"github.com/yniverz/edgeplane/internal/job"
	"github.com/yniverz/edgeplane/internal/nginx"
	"github.com/yniverz/edgeplane/internal/propagate"
	"github.com/yniverz/edgeplane/internal/store"
)

type serveCmd struct{}

func serveCommand() *cli.Command {
	cmd := serveCmd{}
	flags := []cli.Flag{
		&cli.DurationFlag{
			Name:    "publish-interval",
			Usage:   "Run the pipeline periodically, 0 disables the ticker",
			EnvVars: []string{"PUBLISH_INTERVAL"},
			Value:   0,
		},
		&cli.BoolFlag{
			Name:    "dry-run",
			Usage:   "Diff against the provider and render configs without mutating anything",
			EnvVars: []string{"DRY_RUN"},
		},
	}
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the edge controller and its HTTP API",
		Action: cmd.Execute,
		Flags:  append(flags, GlobalFlags()...),
		Before: Before,
	}
}

func (serveCmd) Execute(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logrus.WithField("command", "serve")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.New(ctx, cfg.SQLitePath, nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	dryRun := c.Bool("dry-run")
	runner := job.NewRunner(buildPipeline(cfg, st, dryRun, log), log)

	server := &api.Server{
		Config: cfg,
		Store:  st,
		Runner: runner,
		Prober: dnssync.NewProber(),
		Log:    log,
	}

	if interval := c.Duration("publish-interval"); interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if id, ok := runner.TryStart(context.Background()); ok {
						log.WithField("run_id", id).Info("scheduled pipeline run")
					}
				}
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.WithField("port", cfg.Port).Info("api listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	runner.Wait()
	return nil
}

// buildPipeline assembles the reconciliation stages. Disabled integrations
// drop their stages instead of failing at run time.
func buildPipeline(cfg *config.Config, st store.Store, dryRun bool, log *logrus.Entry) []job.Stage {
	var (
		client  *cloudflare.Client
		ipCache *nginxRanges
	)
	if cfg.EnableCloudflare {
		client = cloudflare.NewClient(cfg.CloudflareAPIToken, cfg.OriginCAKey, log)
		ipCache = &nginxRanges{cache: cloudflare.NewIPRangeCache(client.FetchIPRanges, cfg.IPRangeCachePath, cfg.IPRangeTTL, log)}
	}

	generator := nginx.New(st, ipCache, nginx.Options{
		HTTPConfPath:   cfg.NginxHTTPConfPath,
		StreamConfPath: cfg.NginxStreamConfPath,
		CertMode:       cfg.CertMode,
		OriginSSLDir:   cfg.OriginCASSLDir,
		ACMESSLDir:     cfg.ACMESSLDir,
		WebrootDir:     cfg.ACMEWebrootDir,
	}, log)
	reloader := nginx.NewReloader(cfg.NginxReloadCommand, nil, log)

	propagator := propagate.New(st, cfg.LocalIP, log)
	stages := []job.Stage{
		{Name: "propagate", Run: func(context.Context) error { return propagator.Propagate() }},
	}

	if cfg.EnableCloudflare {
		reconciler := dnssync.New(st, client, log)
		var snap *dnssync.Snapshot
		stages = append(stages, job.Stage{Name: "dns-sync", Run: func(ctx context.Context) error {
			s, report, err := reconciler.Sync(ctx, dryRun)
			if err != nil {
				return err
			}
			snap = s
			log.WithFields(logrus.Fields{
				"imported": report.Imported, "created": report.Created,
				"deleted": report.Deleted, "purged": report.Purged,
			}).Info("dns sync finished")
			return nil
		}})

		if cfg.CertMode == config.CertModeOriginCA {
			origin := certs.NewOriginManager(client, cfg.OriginCASSLDir, cfg.OriginCARenewBefore, cfg.OriginCAValidityDays, log)
			stages = append(stages, job.Stage{Name: "origin-certs", Run: func(ctx context.Context) error {
				return origin.Sync(ctx, snap, dryRun)
			}})
		}
	}

	if cfg.CertMode == config.CertModeACME {
		acme := certs.NewACMEManager(st, certs.ExecRunner{}, nginx.NewFallback(generator, reloader), certs.ACMEConfig{
			Email:       cfg.ACMEEmail,
			Production:  cfg.ACMEProduction,
			WebrootDir:  cfg.ACMEWebrootDir,
			SSLDir:      cfg.ACMESSLDir,
			RenewBefore: cfg.ACMERenewBefore,
			Timeout:     cfg.ACMETimeout,
		}, log)
		stages = append(stages, job.Stage{Name: "acme-certs", Run: func(ctx context.Context) error {
			return acme.Sync(ctx, dryRun)
		}})
	}

	if cfg.EnableNginx {
		stages = append(stages,
			job.Stage{Name: "nginx-render", Run: func(ctx context.Context) error {
				return generator.Sync(ctx, dryRun)
			}},
			job.Stage{Name: "nginx-reload", Run: func(ctx context.Context) error {
				if dryRun {
					return nil
				}
				return reloader.Reload(ctx)
			}},
		)
	}
	return stages
}

// nginxRanges adapts the IP range cache to the generator's interface while
// tolerating a nil cache when the provider integration is off.
type nginxRanges struct {
	cache *cloudflare.IPRangeCache
}

func (n *nginxRanges) Ranges(ctx context.Context) []string {
	if n == nil || n.cache == nil {
		return nil
	}
	return n.cache.Ranges(ctx)
}
