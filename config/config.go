// Package config loads and validates the construction-time configuration
// for an Athernet node: sample rate, addressing, physical-layer timing,
// and the modem parameters the codec and MAC packages are built from.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/athernet-go/athernet/codec"
	"github.com/athernet-go/athernet/frame"
	"github.com/athernet-go/athernet/mac"
)

// Config is the full set of values needed to bring up a node. Zero
// values are not valid; build one with Default and then override it.
type Config struct {
	SampleRate int `yaml:"sample_rate"`

	// CarrierPeriod is the number of samples in one cycle of the BPSK
	// carrier tone; SymbolLen is the number of samples transmitted per
	// line bit. Both are in the 3-8 sample range for a narrowband
	// acoustic link, not audio-rate cycle counts.
	CarrierPeriod int `yaml:"carrier_period"`
	SymbolLen     int `yaml:"symbol_len"`
	Amplitude     int `yaml:"amplitude"`

	// Preamble selects the Barker sequence used for carrier acquisition.
	// "7" (the default) is shorter and cheaper per frame; "11" gives a
	// sharper correlation peak on a noisier link.
	Preamble string `yaml:"preamble"`

	MACAddr byte `yaml:"mac_addr"`

	AckTimeout    int `yaml:"ack_timeout"`
	BackoffWindow int `yaml:"backoff_window"`
	FrameInterval int `yaml:"frame_interval"`

	SessionLogEnabled bool   `yaml:"session_log_enabled"`
	SessionLogPattern string `yaml:"session_log_pattern"`
}

// Default returns the baseline configuration used when no YAML file or
// flag overrides it.
func Default() Config {
	return Config{
		SampleRate:        48000,
		CarrierPeriod:     8,
		SymbolLen:         5,
		Amplitude:         30000,
		Preamble:          "7",
		MACAddr:           0,
		AckTimeout:        mac.DefaultTiming.AckTimeout,
		BackoffWindow:     mac.DefaultTiming.BackoffWindow,
		FrameInterval:     mac.DefaultTiming.FrameInterval,
		SessionLogEnabled: false,
		SessionLogPattern: "athernet-%Y%m%d.csv",
	}
}

// LoadYAML reads overrides from path into a copy of cfg.
func LoadYAML(cfg Config, path string) (Config, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// RegisterFlags adds CLI flags to fs for SampleRate, Preamble, MACAddr,
// AckTimeout and SessionLogEnabled, bound directly to cfg's fields so
// fs.Parse writes the parsed values into cfg. The other fields have no
// flag and can only be set through Default or a YAML file.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "audio sample rate in Hz")
	fs.StringVar(&cfg.Preamble, "preamble", cfg.Preamble, "Barker preamble length: 7 or 11")
	fs.Uint8VarP((*uint8)(&cfg.MACAddr), "mac-addr", "m", uint8(cfg.MACAddr), "local MAC address (0-14)")
	fs.IntVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "samples to wait for an ACK")
	fs.BoolVar(&cfg.SessionLogEnabled, "session-log", cfg.SessionLogEnabled, "write a daily CSV session log")
}

// Validate enforces the invariants every downstream package assumes
// holds: a valid MAC address, a positive sample rate, modem parameters
// that are internally consistent, and usable timing constants. The
// payload ceiling is not configurable; it is fixed at MaxPayload.
func (c Config) Validate() error {
	if c.MACAddr > 0xE {
		return fmt.Errorf("config: mac_addr %d exceeds 0xE (0xF is reserved for broadcast)", c.MACAddr)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("config: sample_rate must be positive")
	}
	if c.SymbolLen != 3 && c.SymbolLen != 5 {
		return fmt.Errorf("config: symbol_len must be 3 or 5, got %d", c.SymbolLen)
	}
	if c.CarrierPeriod <= 0 {
		return fmt.Errorf("config: carrier_period must be positive")
	}
	if c.Preamble != "7" && c.Preamble != "11" {
		return fmt.Errorf("config: preamble must be \"7\" or \"11\", got %q", c.Preamble)
	}
	if c.AckTimeout <= 0 || c.BackoffWindow < 0 || c.FrameInterval < 0 {
		return fmt.Errorf("config: timing constants must be non-negative (ack_timeout positive)")
	}
	return nil
}

// CodecParams builds the codec.Params this configuration describes.
func (c Config) CodecParams() codec.Params {
	var preamble = codec.Barker7
	if c.Preamble == "11" {
		preamble = codec.Barker11
	}
	return codec.Params{
		Carrier:   codec.NewWave(c.CarrierPeriod, int16(c.Amplitude)),
		Period:    c.CarrierPeriod,
		SymbolLen: c.SymbolLen,
		Preamble:  preamble,
	}
}

// Timing builds the mac.Timing this configuration describes.
func (c Config) Timing() mac.Timing {
	return mac.Timing{
		AckTimeout:    c.AckTimeout,
		BackoffWindow: c.BackoffWindow,
		FrameInterval: c.FrameInterval,
	}
}

// MaxPayload is the largest DATA payload this build of the wire format
// supports, exposed so callers can chunk files without guessing.
const MaxPayload = frame.PayloadMax
