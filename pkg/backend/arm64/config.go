package arm64

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"dynarec/pkg/errors"
)

// Config is the operator-facing tuning file. It covers only what a
// hosting runtime reasonably wants to twiddle without recompiling;
// everything else stays on EmitConfig.
type Config struct {
	// CacheSize is the arena size in bytes. Must not exceed the
	// direct-branch range (128 MiB).
	CacheSize int `toml:"cache_size"`

	// MultiBlockCompilation greedily compiles control-flow
	// successors on a cache miss.
	MultiBlockCompilation bool `toml:"multi_block_compilation"`

	// Fastmem emits inline guest memory accesses recovered via page
	// faults.
	Fastmem bool `toml:"fastmem"`

	// RecompileOnFastmemFailure marks faulting sites and recompiles
	// their blocks with the slow path.
	RecompileOnFastmemFailure bool `toml:"recompile_on_fastmem_failure"`

	// PerfMap enables the perf map block registry.
	PerfMap bool `toml:"perf_map"`
}

// DefaultConfig returns the settings used when no tuning file exists.
func DefaultConfig() Config {
	return Config{
		CacheSize:                 64 * 1024 * 1024,
		MultiBlockCompilation:     true,
		Fastmem:                   true,
		RecompileOnFastmemFailure: true,
	}
}

// LoadConfig reads a TOML tuning file. Missing keys keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrap(err, errors.KindConfig, "failed to read config file")
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return config, errors.Wrap(err, errors.KindConfig, "failed to parse config file")
	}
	if config.CacheSize <= 0 || config.CacheSize > maxCacheSize {
		return config, errors.New(errors.KindConfig, "cache_size %d out of range (0, %d]", config.CacheSize, maxCacheSize)
	}
	return config, nil
}

// Optimizations translates the file-level switches into emission
// flags.
func (c Config) Optimizations() OptimizationFlag {
	var flags OptimizationFlag
	if c.MultiBlockCompilation {
		flags |= OptMultiBlockCompilation
	}
	if c.Fastmem {
		flags |= OptFastmem
	}
	return flags
}
