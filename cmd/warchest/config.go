package main

import (
	"log"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, read from a TOML file. Every field
// has a usable default so a bare `warchest -storage /path` also works.
type Config struct {
	// Port is the port the REST API listens on.
	Port string
	// PProfPort enables the profiling listener when not empty.
	PProfPort string

	// Storage is the depot location: a directory path, or an "s3:"
	// URL. Empty keeps the whole depot in memory.
	Storage string

	// DataDir is where the daemon keeps its own files, such as the
	// embedded verification database. Defaults to the storage directory
	// when that is on the local filesystem.
	DataDir string

	// ScratchDir is where acquisitions stage content before it is
	// ingested. Defaults to the system temp directory.
	ScratchDir string

	// MaxStorageSize caps the bytes of stored content objects.
	// 0 means unbounded.
	MaxStorageSize int64

	// MaxConcurrentIngest bounds parallel ingests into content storage.
	MaxConcurrentIngest int

	// Retry settings for storage operations.
	RetryAttempts  int
	RetryInitialMS int
	RetryCeilingMS int

	// GCIntervalMin is how often, in minutes, orphaned objects are
	// swept. 0 disables the background sweep.
	GCIntervalMin int

	// Mysql is a dial string for the verification database. Empty uses
	// the embedded database in DataDir.
	Mysql string

	// VerifyRate is how fast stored content is re-verified, in MB/hour.
	// 0 disables background verification.
	VerifyRate int64

	// KnownAddons are file patterns treated as addons rather than damage
	// when validation finds them, e.g. "*.big".
	KnownAddons []string

	// Sources are base URLs of other depot servers to search for
	// acquirable content.
	Sources []string

	// SentryDSN enables error reporting when not empty.
	SentryDSN string
}

var defaultConfig = Config{
	Port:                "14200",
	MaxConcurrentIngest: 4,
	RetryAttempts:       4,
	RetryInitialMS:      250,
	RetryCeilingMS:      5000,
	GCIntervalMin:       15,
	VerifyRate:          250,
	KnownAddons:         []string{"*.big"},
}

// readConfig loads the configuration file, filling unset fields from the
// defaults. An empty filename returns the defaults.
func readConfig(filename string) Config {
	config := defaultConfig
	if filename == "" {
		return config
	}
	if _, err := toml.DecodeFile(filename, &config); err != nil {
		log.Fatalf("Error reading %s: %s", filename, err)
	}
	return config
}

func (c Config) retryInitial() time.Duration {
	return time.Duration(c.RetryInitialMS) * time.Millisecond
}

func (c Config) retryCeiling() time.Duration {
	return time.Duration(c.RetryCeilingMS) * time.Millisecond
}

func (c Config) gcInterval() time.Duration {
	return time.Duration(c.GCIntervalMin) * time.Minute
}
