package main

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ygrebnov/scheduler/logger"
)

const envPrefix = "SCHEDCTL_"

// viperKeyDelimiter marks nested values; "." is left free for keys.
const viperKeyDelimiter = ".."

// Config is the full schedctl configuration. Values are resolved with the precedence
// flag > environment > config file > default.
type Config struct {
	ConfigFile string        `json:"config_file"`
	Log        logger.Config `json:"log"`
	Metrics    MetricsConfig `json:"metrics"`

	Worker   WorkerConfig   `json:"worker"`
	Platform PlatformConfig `json:"platform"`
	Run      RunConfig      `json:"run"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `json:"listen"`
}

// WorkerConfig configures `schedctl worker`.
type WorkerConfig struct {
	Listen string `json:"listen"`
	Secret string `json:"secret"`
}

// PlatformConfig configures `schedctl platform`.
type PlatformConfig struct {
	Listen     string `json:"listen"`
	Capacity   int    `json:"capacity"`
	StartDelay string `json:"start_delay"`
}

// RunConfig configures `schedctl run`.
type RunConfig struct {
	Workers       int    `json:"workers"`
	Split         int    `json:"split"`
	Tasks         int    `json:"tasks"`
	Offset        int    `json:"offset"`
	TaskDelay     string `json:"task_delay"`
	Interruptible bool   `json:"interruptible"`
	// Mode is one of local, remote.
	Mode string `json:"mode"`
	// Platform is the provisioning API base URL. Empty runs an in-process platform.
	Platform     string `json:"platform"`
	Token        string `json:"token"`
	Pool         string `json:"pool"`
	PollInterval string `json:"poll_interval"`
	SlowStart    string `json:"slow_start"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: *logger.DefaultConfig(),
		Worker: WorkerConfig{
			Listen: "127.0.0.1:8081",
		},
		Platform: PlatformConfig{
			Listen:     "127.0.0.1:8080",
			StartDelay: "0s",
		},
		Run: RunConfig{
			Workers:      4,
			Split:        1,
			Tasks:        16,
			TaskDelay:    "50ms",
			Mode:         "local",
			PollInterval: "200ms",
			SlowStart:    "30s",
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	durations := map[string]string{
		"platform.start_delay": c.Platform.StartDelay,
		"run.task_delay":       c.Run.TaskDelay,
		"run.poll_interval":    c.Run.PollInterval,
		"run.slow_start":       c.Run.SlowStart,
	}
	for key, d := range durations {
		if _, err := time.ParseDuration(d); err != nil {
			return errors.Wrapf(err, "invalid %s", key)
		}
	}
	switch {
	case c.Run.Workers < 1:
		return errors.Errorf("run.workers must be positive, got %d", c.Run.Workers)
	case c.Run.Split < 1:
		return errors.Errorf("run.split must be positive, got %d", c.Run.Split)
	case c.Run.Tasks < 0:
		return errors.Errorf("run.tasks must not be negative, got %d", c.Run.Tasks)
	case c.Run.Mode != "local" && c.Run.Mode != "remote":
		return errors.Errorf("run.mode must be local or remote, got %q", c.Run.Mode)
	case c.Platform.Capacity < 0:
		return errors.Errorf("platform.capacity must not be negative, got %d", c.Platform.Capacity)
	}
	return nil
}

// duration parses a value already checked by Validate.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

type configKey []string

func (c configKey) EnvName() string {
	return envPrefix + strings.ReplaceAll(strings.ToUpper(c.FlagName()), "-", "_")
}

func (c configKey) AccessPath() string {
	return strings.ReplaceAll(strings.Join(c, viperKeyDelimiter), "-", "_")
}

func (c configKey) FlagName() string {
	return strings.Join(c, "-")
}

func name(components ...string) configKey { return components }

// registry binds flags, environment variables and defaults into one viper instance.
type registry struct {
	v *viper.Viper
}

func newRegistry() *registry {
	v := viper.NewWithOptions(viper.KeyDelimiter(viperKeyDelimiter))
	v.SetTypeByDefaultValue(true)
	return &registry{v: v}
}

func (r *registry) bind(flags *pflag.FlagSet, key configKey, value any) {
	_ = r.v.BindEnv(key.AccessPath(), key.EnvName())
	_ = r.v.BindPFlag(key.AccessPath(), flags.Lookup(key.FlagName()))
	r.v.SetDefault(key.AccessPath(), value)
}

func (r *registry) String(flags *pflag.FlagSet, key configKey, value, usage string) {
	flags.String(key.FlagName(), value, usage)
	r.bind(flags, key, value)
}

func (r *registry) Int(flags *pflag.FlagSet, key configKey, value int, usage string) {
	flags.Int(key.FlagName(), value, usage)
	r.bind(flags, key, value)
}

func (r *registry) Bool(flags *pflag.FlagSet, key configKey, value bool, usage string) {
	flags.Bool(key.FlagName(), value, usage)
	r.bind(flags, key, value)
}

// load returns the validated configuration: the config file named by the settings
// resolved so far is merged in under flags and environment.
func (r *registry) load() (*Config, error) {
	initial, err := r.decode()
	if err != nil {
		return nil, err
	}
	if initial.ConfigFile != "" {
		bs, err := readConfigFile(initial.ConfigFile)
		if err != nil {
			return nil, err
		}
		if err := r.merge(bs); err != nil {
			return nil, err
		}
	}

	c, err := r.decode()
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return c, nil
}

func (r *registry) decode() (*Config, error) {
	c := DefaultConfig()
	bs, err := json.Marshal(r.v.AllSettings())
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal configuration map into json bytes")
	}
	if err = yaml.Unmarshal(bs, c, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal configuration")
	}
	return c, nil
}

// merge layers a YAML document under the values already set by flags and environment.
func (r *registry) merge(bs []byte) error {
	var configMap map[string]interface{}
	if err := yaml.Unmarshal(bs, &configMap); err != nil {
		return errors.Wrap(err, "error unmarshal yaml configuration file")
	}
	if err := r.v.MergeConfigMap(configMap); err != nil {
		return errors.Wrap(err, "error merge configuration to viper")
	}
	return nil
}

func readConfigFile(path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "error finding configuration file")
	}
	bs, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	log.WithField("path", path).Debug("configuration file loaded")
	return bs, nil
}
