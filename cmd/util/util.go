package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/buger/goterm"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/lansync/pkg/config"
	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/status"
)

// ConfigPath is the path to the lansync config. It's set by the root
// command's `--config` flag.
var ConfigPath = config.DefaultConfigPath

// Mocked for unit testing.
var exit = os.Exit

// HandleFatalError handles errors that are severe enough to terminate the
// program.
func HandleFatalError(err error) {
	if friendlyErr, ok := errors.RootCause(err).(errors.FriendlyError); ok {
		fmt.Fprintln(os.Stderr, friendlyErr.FriendlyMessage())
		log.WithError(err).Debug("Fatal error")
		exit(1)
		return
	}

	log.WithError(err).Error("Fatal error")
	exit(1)
}

// HandlePanic logs the panic and its stack trace before exiting. It must be
// deferred.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		exit(2)
	}
}

// LoadConfig parses the config at ConfigPath, and returns a store for
// writing changes back to it.
func LoadConfig() (config.Config, *config.FileStore, error) {
	path, err := config.GetConfigPath(ConfigPath)
	if err != nil {
		return config.Config{}, nil, errors.WithContext(err, "get config path")
	}

	store := config.NewFileStore(path)
	cfg, err := store.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg.WithDefaults(), store, nil
}

// OpenStatusStore opens the status database configured in cfg.
func OpenStatusStore(cfg config.Config) (*status.SQLiteStore, error) {
	path, err := config.GetConfigPath(cfg.Database)
	if err != nil {
		return nil, errors.WithContext(err, "get database path")
	}

	store, err := status.Open(path)
	if err != nil {
		return nil, errors.WithContext(err, "open status database")
	}
	return store, nil
}

// ColorStatus renders the status in the color used for it throughout the
// CLI.
func ColorStatus(s status.Status) string {
	color := goterm.BLACK
	switch s {
	case status.Synced:
		color = goterm.GREEN
	case status.Syncing, status.Modified, status.Pending:
		color = goterm.YELLOW
	case status.Failed:
		color = goterm.RED
	case status.Deleted:
		color = goterm.BLUE
	}
	return goterm.Color(string(s), color)
}

// ProgressPrinter prints a message followed by a growing line of dots until
// it's stopped.
type ProgressPrinter struct {
	out  io.Writer
	msg  string
	stop chan struct{}
	done chan struct{}
}

// NewProgressPrinter returns a ProgressPrinter. Run must be called to start
// printing.
func NewProgressPrinter(out io.Writer, msg string) *ProgressPrinter {
	return &ProgressPrinter{
		out:  out,
		msg:  msg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run prints until Stop is called.
func (pp *ProgressPrinter) Run() {
	defer close(pp.done)

	fmt.Fprint(pp.out, pp.msg)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-pp.stop:
			fmt.Fprintln(pp.out)
			return
		case <-ticker.C:
			fmt.Fprint(pp.out, ".")
		}
	}
}

// Stop stops printing, and blocks until the final newline is written.
func (pp *ProgressPrinter) Stop() {
	close(pp.stop)
	<-pp.done
}
