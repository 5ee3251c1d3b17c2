package compiler

import (
	"bytes"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/ternvm/tern/internal/mir"
)

// Config selects the target and switches individual pipeline passes. The
// zero value compiles nothing useful; start from DefaultConfig.
type Config struct {
	ISA string `yaml:"isa"`

	ConstProp     bool `yaml:"const_prop"`
	NullCheckElim bool `yaml:"null_check_elim"`
	Combine       bool `yaml:"combine"`
	BlockOpt      bool `yaml:"block_opt"`
	Inline        bool `yaml:"inline"`
	Special       bool `yaml:"special"`

	VerifyDataflow bool `yaml:"verify_dataflow"`
	DebugDump      bool `yaml:"debug_dump"`
}

// DefaultConfig targets the host with every optimization enabled and
// verification off.
func DefaultConfig() Config {
	return Config{
		ISA:       runtime.GOARCH,
		ConstProp: true, NullCheckElim: true, Combine: true,
		BlockOpt: true, Inline: true, Special: true,
	}
}

// LoadConfig reads a YAML config file over the defaults. Unknown keys are
// rejected so a typoed switch fails loudly instead of silently defaulting.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("compiler: reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("compiler: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the target name. Pass switches need no validation; any
// combination is legal.
func (c Config) Validate() error {
	_, err := mir.ParseISA(c.ISA)
	return err
}

func (c Config) opts() mir.Opts {
	return mir.Opts{
		ConstProp:      c.ConstProp,
		NullCheckElim:  c.NullCheckElim,
		Combine:        c.Combine,
		BlockOpt:       c.BlockOpt,
		Inline:         c.Inline,
		Special:        c.Special,
		VerifyDataflow: c.VerifyDataflow,
		DebugDump:      c.DebugDump,
	}
}
