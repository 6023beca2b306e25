// Package config reads the indexer's environment-variable configuration
// table. Unlike the ambient settings in internal/util (postgres DSN, NATS
// URL, metrics/health addresses, log level, loaded via koanf's TOML+env
// layering), these names are exact and individually meaningful
// (NEAR_SYNC_FETCH_QUEUE_SIZE, not a dot-transformed "near.sync.fetch.queue.size"),
// so they are read directly with os.Getenv rather than through koanf's
// underscore-to-dot env provider, which would mangle them.
package config

import (
	"os"
	"strconv"
	"time"
)

// Sync holds the sync engine's tunables, one field per environment
// variable in the configuration table.
type Sync struct {
	RPCURL           string
	FetchQueueSize   int
	SaveQueueSize    int
	BulkDBUpdateSize int
	NewTipInterval   time.Duration
	GapInterval      time.Duration
}

const (
	envRPCURL       = "NEAR_RPC_URL"
	envFetchQueue   = "NEAR_SYNC_FETCH_QUEUE_SIZE"
	envSaveQueue    = "NEAR_SYNC_SAVE_QUEUE_SIZE"
	envBulkDB       = "NEAR_SYNC_BULK_DB_UPDATE_SIZE"
	envNewTipMillis = "NEAR_REGULAR_SYNC_NEW_NEARCORE_STATE_INTERVAL"
	envGapMillis    = "NEAR_REGULAR_SYNC_MISSING_NEARCORE_STATE_INTERVAL"

	defaultRPCURL       = "https://rpc.nearprotocol.com"
	defaultFetchQueue   = 1000
	defaultSaveQueue    = 10
	defaultBulkDB       = 10
	defaultNewTipMillis = 1000
	defaultGapMillis    = 60000
)

// LoadSync reads the sync configuration table from the environment,
// falling back to the spec's documented defaults for anything unset or
// unparseable.
func LoadSync() Sync {
	return Sync{
		RPCURL:           getString(envRPCURL, defaultRPCURL),
		FetchQueueSize:   getInt(envFetchQueue, defaultFetchQueue),
		SaveQueueSize:    getInt(envSaveQueue, defaultSaveQueue),
		BulkDBUpdateSize: getInt(envBulkDB, defaultBulkDB),
		NewTipInterval:   time.Duration(getInt(envNewTipMillis, defaultNewTipMillis)) * time.Millisecond,
		GapInterval:      time.Duration(getInt(envGapMillis, defaultGapMillis)) * time.Millisecond,
	}
}

// Bus holds the WAMP-style bus connection parameters. URL overrides the
// ambient "nats.url" config.toml setting when set, so the documented
// WAMP_URL variable actually drives internal/bus's NATS stand-in
// transport. Realm and credentials are carried for completeness with the
// spec's configuration table but have no bus-session implementation to
// consume them (see DESIGN.md).
type Bus struct {
	URL         string
	Realm       string
	Credentials string
}

// LoadBus reads the WAMP_* environment variables.
func LoadBus() Bus {
	return Bus{
		URL:         getString("WAMP_URL", ""),
		Realm:       getString("WAMP_REALM", ""),
		Credentials: getString("WAMP_CREDENTIALS", ""),
	}
}

// ResolveURL returns b.URL when set, otherwise the ambient config.toml
// "nats.url" value passed in. Both entrypoints call this so WAMP_URL, when
// present, is the one that actually drives the bus connection.
func (b Bus) ResolveURL(ambientNATSURL string) string {
	if b.URL != "" {
		return b.URL
	}
	return ambientNATSURL
}

func getString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func getInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
