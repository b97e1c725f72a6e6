/*
 * Teleport
 * Copyright (C) 2023  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command pam-broker starts the PAM database query broker's HTTP API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/infisical/pam-db-broker/lib/pam/api"
	"github.com/infisical/pam-db-broker/lib/pam/collaborators"
	"github.com/infisical/pam-db-broker/lib/pam/config"
	"github.com/infisical/pam-db-broker/lib/pam/metrics"
	"github.com/infisical/pam-db-broker/lib/pam/pipeline"
	"github.com/infisical/pam-db-broker/lib/pam/pool"
	"github.com/infisical/pam-db-broker/lib/pam/registry"
	"github.com/infisical/pam-db-broker/lib/pam/resolver"
	"github.com/infisical/pam-db-broker/lib/pam/tunnel"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.WithError(err).Error("pam-broker exited with an error.")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "pam-broker",
		Short: "Runs the PAM database query broker's HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return trace.Wrap(err)
			}
			v.SetEnvPrefix("PAM_BROKER")
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			return run(cmd.Context(), config.Load(v))
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

// collaboratorSet bundles the five external-system adapters the resolver
// consumes, constructed once at startup from configured endpoint URLs.
type collaboratorSet struct {
	Sessions  *collaborators.HTTPSessionStore
	Accounts  *collaborators.HTTPAccountStore
	Resources *collaborators.HTTPResourceStore
	Vault     *collaborators.HTTPCredentialVault
	Gateway   *collaborators.HTTPGatewayService
}

func buildCollaborators(cfg config.Config) (*collaboratorSet, error) {
	if cfg.SessionStoreURL == "" || cfg.AccountStoreURL == "" || cfg.ResourceStoreURL == "" ||
		cfg.VaultURL == "" || cfg.GatewayURL == "" {
		return nil, trace.BadParameter("all five collaborator endpoint URLs must be configured")
	}
	return &collaboratorSet{
		Sessions:  collaborators.NewHTTPSessionStore(cfg.SessionStoreURL),
		Accounts:  collaborators.NewHTTPAccountStore(cfg.AccountStoreURL),
		Resources: collaborators.NewHTTPResourceStore(cfg.ResourceStoreURL),
		Vault:     collaborators.NewHTTPCredentialVault(cfg.VaultURL),
		Gateway:   collaborators.NewHTTPGatewayService(cfg.GatewayURL),
	}, nil
}

// run wires every component explicitly and blocks until ctx is cancelled —
// there is deliberately no package-level singleton pool or registry; every
// collaborator is constructed here and injected downward.
func run(ctx context.Context, cfg config.Config) error {
	log := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collabs, err := buildCollaborators(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	reg := registry.New(log)
	res := resolver.New(resolver.Resolver{
		Sessions:  collabs.Sessions,
		Accounts:  collabs.Accounts,
		Resources: collabs.Resources,
		Vault:     collabs.Vault,
		Gateway:   collabs.Gateway,
		Log:       log,
	})
	builder := &tunnel.Builder{Log: log, HandshakeTimeout: cfg.TunnelHandshakeTimeout}
	pipe := pipeline.New(res, builder, reg, log)

	directPool := pool.New(pool.Config{
		MaxIdle:             cfg.PoolMaxIdle(),
		HealthCheckInterval: cfg.PoolHealthCheckInterval(),
		Log:                 log,
	})
	defer directPool.Destroy()

	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)

	server := api.New(api.Server{Pipeline: pipe, Registry: reg, Pool: directPool, Log: log})

	mux := http.NewServeMux()
	mux.Handle("/", server.Router())
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("PAM database broker listening.")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- trace.Wrap(err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received, draining in-flight tunnels.")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), pipeline.StepTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server did not shut down cleanly.")
	}
	pipe.Shutdown()
	return nil
}
