// Package config reads the UNFS environment variables spec §6 names.
package config

import (
	"os"
	"strconv"
)

// Config holds the tuning knobs recognized via environment variables.
// CLI flags take precedence when set explicitly; these are the defaults
// a flag falls back to.
type Config struct {
	Device string // UNFS_DEVICE: default device path
	NSID   int    // UNFS_NSID: NVMe namespace id (default 1)
	QCount int    // UNFS_QCOUNT: queue count (default 24)
	QDepth int    // UNFS_QDEPTH: queue depth (default 256)
	QPAC   int    // UNFS_QPAC: per-queue page pool count (default 4096)
}

// FromEnv loads Config from the environment, applying spec §6's defaults
// for any variable that is unset or unparsable.
func FromEnv() Config {
	return Config{
		Device: getenv("UNFS_DEVICE", ""),
		NSID:   getenvInt("UNFS_NSID", 1),
		QCount: getenvInt("UNFS_QCOUNT", 24),
		QDepth: getenvInt("UNFS_QDEPTH", 256),
		QPAC:   getenvInt("UNFS_QPAC", 4096),
	}
}

func getenv(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
