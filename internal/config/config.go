// Package config loads the process-wide configuration from the
// environment, all under the BAMBUFARM_ prefix.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full set of values the dispatch core and its HTTP surface
// read from the environment at startup.
type Config struct {
	HttpAddr string `envDefault:":8080"`

	// DefaultPrinterHost, DefaultPrinterAccessCode and DefaultPrinterSerial
	// seed an empty store with one printer on first start, so a fresh
	// deployment has something to dispatch to without a manual API call.
	DefaultPrinterHost       string
	DefaultPrinterAccessCode string
	DefaultPrinterSerial     string

	WebhookURL string

	UploadsDir string `envDefault:"uploads"`
	DataDir    string `envDefault:"data"`
	StaticDir  string `envDefault:"static"`

	// SwapCooldownSeconds is the settle period after a print completes
	// during which the printer is considered unavailable for its next job.
	SwapCooldownSeconds int `envDefault:"60"`

	// WorkerPoolSize bounds how many uploads/publishes run concurrently
	// across the whole fleet.
	WorkerPoolSize int `envDefault:"5"`

	// DispatchTickIntervalSeconds is how often the dispatcher re-evaluates
	// every printer.
	DispatchTickIntervalSeconds int `envDefault:"2"`
}

// Cooldown returns SwapCooldownSeconds as a time.Duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.SwapCooldownSeconds) * time.Second
}

// DispatchTickInterval returns DispatchTickIntervalSeconds as a time.Duration.
func (c Config) DispatchTickInterval() time.Duration {
	return time.Duration(c.DispatchTickIntervalSeconds) * time.Second
}

// Load parses Config from the environment.
func Load() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{Prefix: "BAMBUFARM_", UseFieldNameByDefault: true})
}
