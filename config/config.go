// Package config loads the scenarios that the benchmark
// command runs.
package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/unixpickle/qlt/collcomm/allreduce"
	"github.com/unixpickle/qlt/simulator"
	"github.com/unixpickle/qlt/tree"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for scenarios that cannot be run.
var ErrInvalid = errors.New("invalid scenario")

// Limiter names.
const (
	LimiterQLT  = "qlt"
	LimiterCAAS = "caas"
)

// Network kinds.
const (
	NetworkRandom = "random"
	NetworkLink   = "link"
)

// Reducer names.
const (
	ReducerBFB   = "bfb"
	ReducerNaive = "naive"
	ReducerTree  = "tree"
	ReducerRing  = "ring"
)

// A Scenario describes one benchmark run.
type Scenario struct {
	Cells      int    `yaml:"cells"`
	Ranks      int    `yaml:"ranks"`
	Decomp     string `yaml:"decomp"`
	Imbalanced bool   `yaml:"imbalanced"`

	Limiter string `yaml:"limiter"`

	// Reducer is used by the CAAS limiter and by the
	// verification checks.
	Reducer string `yaml:"reducer"`

	Network NetworkConfig `yaml:"network"`

	Seed   int64 `yaml:"seed"`
	Repeat int   `yaml:"repeat"`

	// Workers is the number of goroutines solving the
	// nodes of a level. Zero or one solves serially.
	Workers int `yaml:"workers"`

	LogLevel string `yaml:"log_level"`
}

// NetworkConfig describes the simulated network.
type NetworkConfig struct {
	Kind    string  `yaml:"kind"`
	Latency float64 `yaml:"latency"`
	Jitter  float64 `yaml:"jitter"`
	Rate    float64 `yaml:"rate"`
}

// Default returns the scenario used when no file is given.
func Default() *Scenario {
	return &Scenario{
		Cells:    42,
		Ranks:    4,
		Decomp:   tree.Contiguous.String(),
		Limiter:  LimiterQLT,
		Reducer:  ReducerBFB,
		Seed:     1,
		Repeat:   1,
		LogLevel: "info",
		Network: NetworkConfig{
			Kind:    NetworkLink,
			Latency: 1e-6,
			Jitter:  1e-7,
			Rate:    1e9,
		},
	}
}

// Load reads a scenario from a YAML file. Fields missing
// from the file keep their default values.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read scenario")
	}
	s, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return s, nil
}

// Parse decodes and validates a YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that the scenario can be run.
func (s *Scenario) Validate() error {
	if s.Ranks <= 0 {
		return errors.Wrapf(ErrInvalid, "ranks must be positive, got %d", s.Ranks)
	}
	if s.Cells < s.Ranks {
		return errors.Wrapf(ErrInvalid, "%d cells cannot cover %d ranks", s.Cells, s.Ranks)
	}
	if _, err := tree.ParseDecomp(s.Decomp); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	switch s.Limiter {
	case LimiterQLT, LimiterCAAS:
	default:
		return errors.Wrapf(ErrInvalid, "unknown limiter %q", s.Limiter)
	}
	switch s.Reducer {
	case ReducerBFB, ReducerNaive, ReducerTree, ReducerRing:
	default:
		return errors.Wrapf(ErrInvalid, "unknown reducer %q", s.Reducer)
	}
	switch s.Network.Kind {
	case NetworkRandom:
	case NetworkLink:
		if s.Network.Latency < 0 || s.Network.Jitter < 0 {
			return errors.Wrap(ErrInvalid, "latency and jitter must be non-negative")
		}
		if s.Network.Rate <= 0 {
			return errors.Wrapf(ErrInvalid, "link rate must be positive, got %g",
				s.Network.Rate)
		}
	default:
		return errors.Wrapf(ErrInvalid, "unknown network %q", s.Network.Kind)
	}
	if s.Repeat < 1 {
		return errors.Wrapf(ErrInvalid, "repeat must be at least 1, got %d", s.Repeat)
	}
	if s.Workers < 0 {
		return errors.Wrapf(ErrInvalid, "workers must be non-negative, got %d", s.Workers)
	}
	if _, err := s.Level(); err != nil {
		return err
	}
	return nil
}

// Mesh creates the scenario's mesh.
func (s *Scenario) Mesh() (*tree.Mesh1D, error) {
	decomp, err := tree.ParseDecomp(s.Decomp)
	if err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}
	return tree.NewMesh1D(s.Cells, s.Ranks, decomp)
}

// Tree bisects the scenario's mesh into a cell tree.
func (s *Scenario) Tree(m *tree.Mesh1D) (*tree.Tree, error) {
	return tree.Analyze(tree.Bisect(m, s.Imbalanced), m.NCells)
}

// NewNetwork creates the scenario's network.
//
// Every call returns a fresh network, since link networks
// keep per-link state.
func (s *Scenario) NewNetwork() simulator.Network {
	if s.Network.Kind == NetworkRandom {
		return simulator.RandomNetwork{}
	}
	return simulator.NewLinkNetwork(s.Network.Latency, s.Network.Jitter, s.Network.Rate)
}

// NewReducer creates the scenario's all-reducer over the
// cells of t.
func (s *Scenario) NewReducer(t *tree.Tree) allreduce.Allreducer {
	switch s.Reducer {
	case ReducerNaive:
		return allreduce.NaiveAllreducer{}
	case ReducerTree:
		return allreduce.TreeAllreducer{}
	case ReducerRing:
		return allreduce.RingAllreducer{}
	}
	return allreduce.NewBFBAllreducer(t)
}

// Level parses the log level.
func (s *Scenario) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s.LogLevel))); err != nil {
		return 0, errors.Wrapf(ErrInvalid, "log level %q", s.LogLevel)
	}
	return l, nil
}

// Marshal encodes the scenario as YAML.
func (s *Scenario) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}
