// Package config loads the instrument and experiment configuration from a
// YAML file, filling in defaults for anything the file leaves out.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/octopode/spectackler/pkg/sched"
)

// Config represents the application configuration.
type Config struct {
	Ports    PortsConfig    `yaml:"ports"`
	Bath     BathConfig     `yaml:"bath"`
	Trim     TrimConfig     `yaml:"trim"`
	Equil    EquilConfig    `yaml:"equilibration"`
	Readings ReadingsConfig `yaml:"readings"`
	Safety   SafetyConfig   `yaml:"safety"`
	Plan     PlanConfig     `yaml:"plan"`
	DataFile string         `yaml:"data_file"`
}

// PortConfig describes one serial connection.
type PortConfig struct {
	Port    string        `yaml:"port"`
	Baud    int           `yaml:"baud"`
	Parity  string        `yaml:"parity"`
	Timeout time.Duration `yaml:"timeout"`
}

// PortsConfig maps each instrument to its serial port.
type PortsConfig struct {
	Bath   PortConfig `yaml:"bath"`
	Pump   PortConfig `yaml:"pump"`
	Spec   PortConfig `yaml:"spec"`
	AuxMCU PortConfig `yaml:"auxmcu"`
}

// BandsConfig holds one PID band triple for the bath's own controller.
type BandsConfig struct {
	P float64 `yaml:"p"`
	I float64 `yaml:"i"`
	D float64 `yaml:"d"`
}

// CalConfig is the external RTD calibration, reference to actual.
type CalConfig struct {
	Slope     float64 `yaml:"slope"`
	Intercept float64 `yaml:"intercept"`
}

// BathConfig selects the circulator protocol and its control settings.
type BathConfig struct {
	// Protocol is "isotemp" or "neslab".
	Protocol string      `yaml:"protocol"`
	Cal      CalConfig   `yaml:"cal"`
	HeatPID  BandsConfig `yaml:"heat_pid"`
	CoolPID  BandsConfig `yaml:"cool_pid"`
	// PumpUnit is the DASNET unit number of the pressure controller.
	PumpUnit int `yaml:"pump_unit"`
}

// TrimConfig tunes the topside PID that biases the bath setpoint.
type TrimConfig struct {
	Kp     float64 `yaml:"kp"`
	Ki     float64 `yaml:"ki"`
	Kd     float64 `yaml:"kd"`
	OutMin float64 `yaml:"out_min"`
	OutMax float64 `yaml:"out_max"`
}

// EquilField bounds one variable's equilibration: the trace must sit within
// Tol of the setpoint for Min, and the wait is abandoned after Max.
type EquilField struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
	Tol float64       `yaml:"tol"`
}

// EquilConfig holds the equilibration windows per controlled variable.
type EquilConfig struct {
	Temperature EquilField `yaml:"temperature"`
	Pressure    EquilField `yaml:"pressure"`
}

// ReadingsConfig paces the data collection loop.
type ReadingsConfig struct {
	// NRead is the number of distinct fluorescence readings per state.
	NRead int `yaml:"n_read"`
	// CycleTime is the control loop period.
	CycleTime time.Duration `yaml:"cycle_time"`
	// AutoShutter keeps the excitation shutter closed except while reading.
	AutoShutter bool `yaml:"auto_shutter"`
	// ShutterSettle lets the dye relax under illumination after a dark
	// temperature transition.
	ShutterSettle time.Duration `yaml:"shutter_settle"`
	// Headline is the reading whose changes gate log rows and reading
	// counts.
	Headline string `yaml:"headline"`
}

// SafetyConfig bounds the hazard monitors.
type SafetyConfig struct {
	// MaxVolumeDelta is the syringe discharge in mL declared a leak.
	MaxVolumeDelta float64 `yaml:"max_volume_delta"`
	// DewMargin is the cuvette-to-dewpoint margin in degrees below which
	// the dry-air purge opens.
	DewMargin float64 `yaml:"dew_margin"`
}

// PlanConfig generates a state table when none is piped in.
type PlanConfig struct {
	Ranges []sched.Range `yaml:"ranges"`
	// WavelengthPair names the preprogrammed monochromator pair.
	WavelengthPair string `yaml:"wavelength_pair"`
	Message        string `yaml:"message"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Ports: PortsConfig{
			Bath:   PortConfig{Port: "/dev/ttyUSB0", Baud: 9600, Timeout: time.Second},
			Pump:   PortConfig{Port: "/dev/ttyUSB1", Baud: 9600, Timeout: time.Second},
			Spec:   PortConfig{Port: "/dev/ttyUSB2", Baud: 9600, Timeout: time.Second},
			AuxMCU: PortConfig{Port: "/dev/ttyACM0", Baud: 9600, Timeout: 3 * time.Second},
		},
		Bath: BathConfig{
			Protocol: "isotemp",
			Cal:      CalConfig{Slope: 1.341635, Intercept: -5.255324},
			HeatPID:  BandsConfig{P: 0.8},
			CoolPID:  BandsConfig{P: 1.0},
			PumpUnit: 1,
		},
		Trim: TrimConfig{
			Kp:     1,
			Kd:     85,
			OutMin: -20,
			OutMax: 20,
		},
		Equil: EquilConfig{
			Temperature: EquilField{Min: 300 * time.Second, Max: 1500 * time.Second, Tol: 0.2},
			Pressure:    EquilField{Min: 60 * time.Second, Max: 300 * time.Second, Tol: 0.2},
		},
		Readings: ReadingsConfig{
			NRead:       15,
			CycleTime:   100 * time.Millisecond,
			AutoShutter: true,
			Headline:    "intensity",
		},
		Safety: SafetyConfig{
			MaxVolumeDelta: 20,
			DewMargin:      2.5,
		},
		Plan: PlanConfig{
			Ranges: []sched.Range{
				{Field: "T_set", Start: 20, Stop: 30, Step: 5},
				{Field: "P_set", Start: 1, Stop: 501, Step: 250},
			},
			WavelengthPair: "dph",
			Message:        "dph",
		},
		DataFile: "viscotheque.tsv",
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	ensurePort(&c.Ports.Bath, def.Ports.Bath)
	ensurePort(&c.Ports.Pump, def.Ports.Pump)
	ensurePort(&c.Ports.Spec, def.Ports.Spec)
	ensurePort(&c.Ports.AuxMCU, def.Ports.AuxMCU)

	if c.Bath.Protocol == "" {
		c.Bath.Protocol = def.Bath.Protocol
	}
	if c.Bath.Cal.Slope == 0 {
		c.Bath.Cal = def.Bath.Cal
	}
	if c.Bath.PumpUnit == 0 {
		c.Bath.PumpUnit = def.Bath.PumpUnit
	}

	if c.Trim.OutMin == 0 && c.Trim.OutMax == 0 {
		c.Trim = def.Trim
	}

	ensureEquil(&c.Equil.Temperature, def.Equil.Temperature)
	ensureEquil(&c.Equil.Pressure, def.Equil.Pressure)

	if c.Readings.NRead == 0 {
		c.Readings.NRead = def.Readings.NRead
	}
	if c.Readings.CycleTime == 0 {
		c.Readings.CycleTime = def.Readings.CycleTime
	}
	if c.Readings.Headline == "" {
		c.Readings.Headline = def.Readings.Headline
	}

	if c.Safety.MaxVolumeDelta == 0 {
		c.Safety.MaxVolumeDelta = def.Safety.MaxVolumeDelta
	}
	if c.Safety.DewMargin == 0 {
		c.Safety.DewMargin = def.Safety.DewMargin
	}

	if len(c.Plan.Ranges) == 0 {
		c.Plan.Ranges = def.Plan.Ranges
	}
	if c.Plan.WavelengthPair == "" {
		c.Plan.WavelengthPair = def.Plan.WavelengthPair
	}

	if c.DataFile == "" {
		c.DataFile = def.DataFile
	}
}

func ensurePort(p *PortConfig, def PortConfig) {
	if p.Port == "" {
		p.Port = def.Port
	}
	if p.Baud == 0 {
		p.Baud = def.Baud
	}
	if p.Timeout == 0 {
		p.Timeout = def.Timeout
	}
}

func ensureEquil(e *EquilField, def EquilField) {
	if e.Min == 0 {
		e.Min = def.Min
	}
	if e.Max == 0 {
		e.Max = def.Max
	}
	if e.Tol == 0 {
		e.Tol = def.Tol
	}
}
