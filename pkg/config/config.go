package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "lwpctl"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// NonStop selects non-stop mode: an event stops only the thread that
	// reported it instead of every thread.
	NonStop bool `yaml:"non-stop"`

	// ReportThreadEvents makes Wait report thread creation and exit.
	ReportThreadEvents bool `yaml:"report-thread-events"`

	// ReportVforkDone makes Wait report the end of a vfork.
	ReportVforkDone bool `yaml:"report-vfork-done"`

	// FollowFork keeps forked children traced. When false children are
	// detached as soon as they are created.
	FollowFork *bool `yaml:"follow-fork,omitempty"`

	// DisableASLR disables address space randomization of spawned
	// processes.
	DisableASLR bool `yaml:"disable-aslr"`

	// AdjustBreakpointPC makes Wait report the address of a software
	// breakpoint as the PC of a thread that hit it, instead of the
	// address after the trap instruction.
	AdjustBreakpointPC *bool `yaml:"adjust-breakpoint-pc,omitempty"`

	// SoftwareSingleStep single steps by planting breakpoints on the
	// successors of the current instruction even when the CPU can single
	// step.
	SoftwareSingleStep bool `yaml:"software-single-step"`

	// EventSelection is the policy used to pick among threads with
	// events ready at the same time: "random" or "round-robin".
	EventSelection string `yaml:"event-selection"`

	// StrayStopCacheSize bounds the number of stops of not yet known
	// threads remembered by the event collector.
	StrayStopCacheSize int `yaml:"stray-stop-cache-size"`

	// PassSignals are delivered to the target without being reported.
	PassSignals []int `yaml:"pass-signals"`

	// LogOutput is the default value of --log-output.
	LogOutput string `yaml:"log-output"`
}

// FollowForkEnabled returns the value of FollowFork, true if unset.
func (c *Config) FollowForkEnabled() bool {
	return c.FollowFork == nil || *c.FollowFork
}

// AdjustBreakpointPCEnabled returns the value of AdjustBreakpointPC, true
// if unset.
func (c *Config) AdjustBreakpointPCEnabled() bool {
	return c.AdjustBreakpointPC == nil || *c.AdjustBreakpointPC
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	return Read(f)
}

// LoadConfigFile reads the configuration from path.
func LoadConfigFile(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a configuration.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	if err := c.Validate(); err != nil {
		return &Config{}, err
	}
	return &c, nil
}

// Validate checks the values that have a closed set of choices.
func (c *Config) Validate() error {
	switch c.EventSelection {
	case "", "random", "round-robin":
	default:
		return fmt.Errorf("invalid event-selection %q, must be \"random\" or \"round-robin\"", c.EventSelection)
	}
	if c.StrayStopCacheSize < 0 {
		return fmt.Errorf("invalid stray-stop-cache-size %d", c.StrayStopCacheSize)
	}
	return nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for lwpctl.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Stop only the thread that reported an event instead of every thread.
# non-stop: false

# Report thread creation and exit events.
# report-thread-events: false

# Report the end of a vfork.
# report-vfork-done: false

# Keep forked children traced.
# follow-fork: true

# Disable address space randomization for processes started by lwpctl.
# disable-aslr: false

# Report the breakpoint address as PC after a software breakpoint hit.
# adjust-breakpoint-pc: true

# Single step by planting breakpoints on the successors of the current
# instruction.
# software-single-step: false

# How to pick among threads with events ready at the same time,
# "random" or "round-robin".
# event-selection: random

# Maximum number of stops of not yet known threads to remember.
# stray-stop-cache-size: 256

# Signals passed to the target without being reported.
# pass-signals: [14, 26, 27, 28]

# Default value of --log-output.
# log-output: engine
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return filepath.Join(configPath, configDir, file), nil
	}

	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", configDir, file), nil
}
