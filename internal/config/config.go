// Package config holds the engine's small set of compile-time/environment
// knobs: whether offset serialization is strict, whether to dump the
// resolved configuration on startup, and where to send the log.
package config

import (
	"log"
	"os"
	"strconv"

	"github.com/ulayfs/ulayfs-go/internal/util"
)

// NumOffsetQueueSlot is the size of the offset manager's ticket-publication
// ring. A small power of two is enough: writers only ever need to look one
// ticket behind.
const NumOffsetQueueSlot = 64

// Options is the resolved runtime configuration for one process.
type Options struct {
	// StrictOffsetSerial, when true, makes the offset manager enforce
	// program-order commit visibility across writers sharing a file
	// offset. When false, wait/validate/release are no-ops.
	StrictOffsetSerial bool

	// ShowConfig, when true, makes callers (e.g. cmd/ulayfsctl) print the
	// resolved Options on startup.
	ShowConfig bool

	// LogFile, if non-empty, redirects util.DPrintf output there instead
	// of stderr.
	LogFile string

	// DebugLevel sets util.Debug.
	DebugLevel uint64
}

const (
	envStrictOffsetSerial = "ULAYFS_STRICT_OFFSET_SERIAL"
	envShowConfig         = "ULAYFS_SHOW_CONFIG"
	envLogFile            = "ULAYFS_LOG_FILE"
	envDebugLevel         = "ULAYFS_DEBUG_LEVEL"
)

// Default returns the engine's default configuration: strict serialization
// on, nothing printed, logging to stderr.
func Default() Options {
	return Options{
		StrictOffsetSerial: true,
		ShowConfig:         false,
		LogFile:            "",
		DebugLevel:         util.Debug,
	}
}

// Load resolves Options from the environment, falling back to Default for
// anything unset or unparsable.
func Load() Options {
	opts := Default()

	if v, ok := os.LookupEnv(envStrictOffsetSerial); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.StrictOffsetSerial = b
		}
	}
	if v, ok := os.LookupEnv(envShowConfig); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.ShowConfig = b
		}
	}
	if v, ok := os.LookupEnv(envLogFile); ok {
		opts.LogFile = v
	}
	if v, ok := os.LookupEnv(envDebugLevel); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			opts.DebugLevel = n
		}
	}

	util.Debug = opts.DebugLevel
	if opts.LogFile != "" {
		if f, err := os.OpenFile(opts.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644); err == nil {
			log.SetOutput(f)
		}
	}
	return opts
}
