package internal

import "io"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config       *Config
	logOutput    io.Writer
	processedDir string
	plotsDir     string
	noLedger     bool
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogOutput sends log lines to w instead of stderr.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}

// WithProcessedDir overrides paths.processed_dir for one invocation.
// Overriding an output directory disables the ledger.
func WithProcessedDir(dir string) Option {
	return func(a *application) {
		a.processedDir = dir
		a.noLedger = true
	}
}

// WithPlotsDir overrides paths.plots_dir for one invocation.
// Overriding an output directory disables the ledger.
func WithPlotsDir(dir string) Option {
	return func(a *application) {
		a.plotsDir = dir
		a.noLedger = true
	}
}
