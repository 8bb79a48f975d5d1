// Package secrets reads venue API credentials and database DSNs from
// environment variables, adapted from cryptorun's internal/secrets.EnvProvider:
// the config file never embeds credentials, only the env var name to read.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// VenueCredentials holds the optional API key/secret pair for a venue. Most
// public market-data channels need none of this; it exists for venues whose
// REST backfill requires authenticated endpoints.
type VenueCredentials struct {
	APIKey    string
	APISecret string
}

// Provider resolves secrets from the process environment under a fixed
// prefix, the way EnvProvider.buildEnvKey composes PREFIX_KEY.
type Provider struct {
	prefix string
}

// NewProvider creates an environment-variable secret provider. prefix is
// upper-cased and joined with "_" before each lookup, e.g. NewProvider("MD")
// reads MD_KRAKEN_API_KEY for VenueCredentials("kraken").
func NewProvider(prefix string) *Provider {
	return &Provider{prefix: strings.ToUpper(prefix)}
}

func (p *Provider) envKey(parts ...string) string {
	all := append([]string{p.prefix}, parts...)
	return strings.ToUpper(strings.Join(all, "_"))
}

// VenueCredentials looks up <PREFIX>_<VENUE>_API_KEY and
// <PREFIX>_<VENUE>_API_SECRET. Both may be empty; callers treat that as
// "use unauthenticated public endpoints only".
func (p *Provider) VenueCredentials(venue string) VenueCredentials {
	return VenueCredentials{
		APIKey:    os.Getenv(p.envKey(venue, "API_KEY")),
		APISecret: os.Getenv(p.envKey(venue, "API_SECRET")),
	}
}

// DSN looks up the environment variable named by envVarName (as configured
// in config.EventLogConfig.Postgres.DSNEnv) and errors if it is unset, since
// a missing DSN is a fatal startup condition, never a silently-degraded one.
func (p *Provider) DSN(envVarName string) (string, error) {
	v := os.Getenv(envVarName)
	if v == "" {
		return "", fmt.Errorf("secrets: environment variable %s is not set", envVarName)
	}
	return v, nil
}
