package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/lansync/pkg/errors"
)

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

const (
	// DefaultConfigPath is the default path to the lansync config.
	DefaultConfigPath = "~/.lansync.yaml"

	// DefaultDatabasePath is where file statuses are stored unless
	// configured otherwise.
	DefaultDatabasePath = "~/.lansync.db"

	// InitialConfigVersion is the first version of the lansync config.
	// Config files that do not specify a version will default to this
	// version.
	InitialConfigVersion = "v1alpha1"

	// SupportedConfigVersion is the config version supported by the current
	// lansync binary.
	SupportedConfigVersion = "v1alpha1"

	// DefaultPort is the port sync servers listen on.
	DefaultPort = 8765
)

// Defaults for the scheduling fields.
var (
	DefaultSyncInterval = 15 * time.Minute
	DefaultBackoffBase  = 30 * time.Second
	DefaultBackoffMax   = time.Hour
	DefaultParallelism  = 4

	// DefaultPreferredInterfaces are the interface name prefixes that are
	// considered unmetered: wireless and wired LANs.
	DefaultPreferredInterfaces = []string{"wl", "en", "eth"}
)

// parseConfigErrTemplate is a template for when the CLI fails to parse yaml
// configuration files. This can happen for a multitude of reasons, including
// extraneous fields and incorrect field types. However, the yaml library
// constructs errors in a way that loses context, and so we can only pass the
// error message on.
const parseConfigErrTemplate = "Configuration file could not be parsed. " +
	"Please review %q.\n" +
	"Common pitfalls include:\n" +
	" - Using the wrong types for fields\n" +
	" - Having extra fields inside the config file\n\n" +
	"For reference, here is the error from the parser:\n" +
	"%s"

// Config is the contents of the lansync config file.
type Config struct {
	Version    string `json:"version,omitempty"`
	Account    string `json:"account,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`

	// Database is the path to the sqlite database holding file statuses.
	Database string `json:"database,omitempty"`

	ListenPort          int      `json:"listenPort,omitempty"`
	SyncInterval        Duration `json:"syncInterval,omitempty"`
	BackoffBase         Duration `json:"backoffBase,omitempty"`
	BackoffMax          Duration `json:"backoffMax,omitempty"`
	Parallelism         int      `json:"parallelism,omitempty"`
	PreferredInterfaces []string `json:"preferredInterfaces,omitempty"`

	Pairs []SyncPair `json:"pairs,omitempty"`
}

func (c Config) getVersion() string {
	return c.Version
}

// WithDefaults fills in any unset fields.
func (c Config) WithDefaults() Config {
	if c.Version == "" {
		c.Version = SupportedConfigVersion
	}
	if c.Database == "" {
		c.Database = DefaultDatabasePath
	}
	if c.ListenPort == 0 {
		c.ListenPort = DefaultPort
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = Duration(DefaultSyncInterval)
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = Duration(DefaultBackoffBase)
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = Duration(DefaultBackoffMax)
	}
	if c.Parallelism == 0 {
		c.Parallelism = DefaultParallelism
	}
	if len(c.PreferredInterfaces) == 0 {
		c.PreferredInterfaces = DefaultPreferredInterfaces
	}
	return c
}

// Duration is a time.Duration that's written in config files as a string
// such as "15m".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("durations must be strings such as \"15m\": %s", b)
	}

	parsed, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// GetConfigPath expands `path`, or the default config path if it's empty.
// The result can be directly passed to file operations.
func GetConfigPath(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	return homedirExpand(path)
}

// ParseConfig parses the config file at `path`. A missing file isn't an
// error: it's treated the same as an empty config.
func ParseConfig(path string) (Config, error) {
	config, err := readConfig(path)
	if err != nil {
		return Config{}, err
	}
	config = config.WithDefaults()

	for i, pair := range config.Pairs {
		if err := pair.validate(); err != nil {
			return Config{}, errors.NewFriendlyError(
				"Pair %d in %q is invalid: %s", i+1, path, err)
		}

		config.Pairs[i].SourcePath, err = homedirExpand(pair.SourcePath)
		if err != nil {
			return Config{}, errors.WithContext(err, "expand source path")
		}

		config.Pairs[i].SinkPath, err = homedirExpand(pair.SinkPath)
		if err != nil {
			return Config{}, errors.WithContext(err, "expand sink path")
		}
	}

	config.Database, err = homedirExpand(config.Database)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand database path")
	}
	return config, nil
}

// readConfig returns the config file as written, without defaults or
// expanded paths.
func readConfig(path string) (Config, error) {
	config := Config{Version: InitialConfigVersion}
	if err := parseConfig(path, &config, SupportedConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); !ok {
			return Config{}, errors.WithContext(err, "parse")
		}
		return Config{}, nil
	}
	return config, nil
}

// WriteConfig writes the given config to `path`. The file is replaced
// atomically, so readers see either the old or the new config.
func WriteConfig(path string, cfg Config) error {
	cfg.Version = SupportedConfigVersion
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := afero.TempFile(fs, dir, "."+base+".tmp-")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}

	err = writeAndClose(tmp, yamlBytes)
	if err == nil {
		err = fs.Chmod(tmp.Name(), 0600)
	}
	if err == nil {
		err = fs.Rename(tmp.Name(), path)
	}
	if err != nil {
		fs.Remove(tmp.Name())
		return errors.WithContext(err, "write")
	}
	return nil
}

func writeAndClose(f afero.File, contents []byte) error {
	if _, err := f.Write(contents); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type configInterface interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The configuration file %q is incompatible "+
		"with this version of lansync.\n"+
		"Expected version %q, but got %q.", err.path, err.exp, err.actual)
}

func parseConfig(path string, config configInterface, expVersion string) error {
	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	err = yaml.Unmarshal(configBytes, config)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if config.getVersion() != expVersion {
		return incompatibleVersionError{path, expVersion, config.getVersion()}
	}

	// Do a strict unmarshal to check for any extra fields. We do a non-strict
	// unmarshal first so that we can catch version errors before erroring on
	// extra fields.
	err = yaml.UnmarshalStrict(configBytes, config, yaml.DisallowUnknownFields)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}
