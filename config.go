package pomegranate

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config holds every recognized configuration key. The same file is shared
// by the Coordinator, the Masters and the workers they spawn.
type Config struct {
	MachineFile    string  `yaml:"machine-file"`
	NumMapper      int     `yaml:"num-mapper"`
	NumReducer     int     `yaml:"num-reducer"`
	ThresholdNFile int     `yaml:"threshold-nfile"`
	ThresholdSize  int64   `yaml:"threshold-size"`
	SleepInterval  float64 `yaml:"sleep-interval"`

	MasterURL  string `yaml:"master-url"`
	MasterHost string `yaml:"master-host"`
	MasterPort int    `yaml:"master-port"`

	InputModule      string `yaml:"input-module"`
	MapModule        string `yaml:"map-module"`
	ReduceModule     string `yaml:"reduce-module"`
	MapExecutable    string `yaml:"map-executable"`
	ReduceExecutable string `yaml:"reduce-executable"`

	DataDir      string `yaml:"datadir"`
	InputPrefix  string `yaml:"input-prefix"`
	OutputPrefix string `yaml:"output-prefix"`

	DFSEnabled bool              `yaml:"dfs-enabled"`
	DFSConf    map[string]string `yaml:"dfs-conf"`

	PingMax      float64 `yaml:"ping-max"`
	PingInterval float64 `yaml:"ping-interval"`

	// InputPath feeds the directory input source shipped in-tree.
	InputPath string `yaml:"input-path"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	conf := &Config{
		NumMapper:      1,
		NumReducer:     1,
		ThresholdNFile: 64,
		SleepInterval:  0.5,
		PingInterval:   5,
		PingMax:        10,
		InputPrefix:    "input",
		OutputPrefix:   "output",
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}

	if conf.NumReducer <= 0 {
		return nil, errors.Errorf("invalid number of reducers: %d", conf.NumReducer)
	}
	if conf.NumMapper <= 0 {
		return nil, errors.Errorf("invalid number of mappers: %d", conf.NumMapper)
	}
	return conf, nil
}

// OutputDir returns the directory receiving intermediate and final files.
func (c *Config) OutputDir() string {
	if c.DFSEnabled {
		return c.OutputPrefix
	}
	return strings.TrimRight(c.DataDir, "/") + "/" + c.OutputPrefix
}

// CountMachines reads the machine file and returns the total number of
// worker slots. Lines are either "host" (one slot) or "host:N"; empty lines
// and lines starting with # are skipped.
func CountMachines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open machine file")
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if idx := strings.LastIndex(line, ":"); idx >= 0 {
			n, err := strconv.Atoi(line[idx+1:])
			if err != nil {
				count++
				continue
			}
			count += n
		} else {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, errors.Wrap(err, "read machine file")
	}
	return count, nil
}
