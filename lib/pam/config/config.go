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

// Package config is the viper-backed configuration surface for the
// tool/pam-broker CLI entrypoint: listen address, direct connection pool
// defaults, TLS handshake timeouts, and collaborator endpoint URLs.
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully-resolved configuration for one broker process.
type Config struct {
	ListenAddr string

	PoolMaxIdleMs             int
	PoolHealthCheckIntervalMs int

	TunnelHandshakeTimeout time.Duration

	SessionStoreURL  string
	AccountStoreURL  string
	ResourceStoreURL string
	VaultURL         string
	GatewayURL       string
}

// BindFlags registers this package's flags on fs, mirroring the
// tool/pam-broker cobra command's flag set so viper can bind to both flags
// and environment variables.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("listen-addr", ":8080", "address the HTTP API listens on")
	fs.Int("pool-max-idle-ms", 5*60*1000, "milliseconds a direct pooled connection may sit idle before eviction")
	fs.Int("pool-health-check-interval-ms", 30*1000, "milliseconds between direct pool health-check sweeps")
	fs.Duration("tunnel-handshake-timeout", 10*time.Second, "timeout for each leg of the tunnel TLS handshake")
	fs.String("session-store-url", "", "session store collaborator endpoint")
	fs.String("account-store-url", "", "account store collaborator endpoint")
	fs.String("resource-store-url", "", "resource store collaborator endpoint")
	fs.String("vault-url", "", "credential vault collaborator endpoint")
	fs.String("gateway-url", "", "gateway-v2 service collaborator endpoint")
}

// Load reads bound flags/environment via v into a Config.
func Load(v *viper.Viper) Config {
	return Config{
		ListenAddr:                v.GetString("listen-addr"),
		PoolMaxIdleMs:             v.GetInt("pool-max-idle-ms"),
		PoolHealthCheckIntervalMs: v.GetInt("pool-health-check-interval-ms"),
		TunnelHandshakeTimeout:    v.GetDuration("tunnel-handshake-timeout"),
		SessionStoreURL:           v.GetString("session-store-url"),
		AccountStoreURL:           v.GetString("account-store-url"),
		ResourceStoreURL:          v.GetString("resource-store-url"),
		VaultURL:                  v.GetString("vault-url"),
		GatewayURL:                v.GetString("gateway-url"),
	}
}

// PoolMaxIdle is PoolMaxIdleMs as a time.Duration.
func (c Config) PoolMaxIdle() time.Duration {
	return time.Duration(c.PoolMaxIdleMs) * time.Millisecond
}

// PoolHealthCheckInterval is PoolHealthCheckIntervalMs as a time.Duration.
func (c Config) PoolHealthCheckInterval() time.Duration {
	return time.Duration(c.PoolHealthCheckIntervalMs) * time.Millisecond
}
