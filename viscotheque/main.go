// Command viscotheque walks a fluorescence experiment across a grid of
// temperature and pressure states. It holds each state until the cuvette
// equilibrates, collects a run of spectrophotometer readings, and streams
// every polled variable to a TSV table.
//
// A state table piped on stdin overrides the generated plan; the plan in
// use is always echoed to stdout so runs can be reproduced.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"go.uber.org/multierr"

	"github.com/octopode/spectackler/pkg/auxmcu"
	"github.com/octopode/spectackler/pkg/config"
	"github.com/octopode/spectackler/pkg/device"
	"github.com/octopode/spectackler/pkg/isco"
	"github.com/octopode/spectackler/pkg/isotemp"
	"github.com/octopode/spectackler/pkg/logging"
	"github.com/octopode/spectackler/pkg/neslab"
	"github.com/octopode/spectackler/pkg/poll"
	"github.com/octopode/spectackler/pkg/rf5301"
	"github.com/octopode/spectackler/pkg/safety"
	"github.com/octopode/spectackler/pkg/sched"
	"github.com/octopode/spectackler/pkg/timeutil"
	"github.com/octopode/spectackler/pkg/tsvlog"
)

// bath is the protocol-independent surface the run needs from either
// circulator.
type bath interface {
	poll.Sampler
	Gate() *device.Gate
	Connect(ctx context.Context) error
	SetSetpoint(ctx context.Context, celsius float64) error
	On(ctx context.Context, on bool) error
	UseExternalProbe(ctx context.Context, ext bool) error
}

func main() {
	var (
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		dataFlag   = flag.String("data", "", "Data table path override")
		listFlag   = flag.Bool("list-ports", false, "List serial ports and exit")
	)
	flag.Parse()

	log := logging.New(os.Stderr, "viscotheque")

	if *listFlag {
		ports, err := serial.GetPortsList()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to enumerate serial ports")
		}
		for _, port := range ports {
			fmt.Println(port)
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *dataFlag != "" {
		cfg.DataFile = *dataFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("run failed")
	}
	log.Info().Msg("plan complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	plan, err := loadPlan(cfg)
	if err != nil {
		return err
	}
	// echo the working plan so the run is reproducible
	if _, err := plan.WriteTo(os.Stdout); err != nil {
		return err
	}
	log.Info().Int("states", len(plan.Rows)).Msg("plan loaded")

	bathLink, err := device.Open("bath", linkConfig(cfg.Ports.Bath), log)
	if err != nil {
		return err
	}
	defer bathLink.Close()
	pumpLink, err := device.Open("pump", linkConfig(cfg.Ports.Pump), log)
	if err != nil {
		return err
	}
	defer pumpLink.Close()
	specLink, err := device.Open("spec", linkConfig(cfg.Ports.Spec), log)
	if err != nil {
		return err
	}
	defer specLink.Close()
	mcuLink, err := device.Open("auxmcu", linkConfig(cfg.Ports.AuxMCU), log)
	if err != nil {
		return err
	}
	defer mcuLink.Close()

	cal := device.Linear{Slope: cfg.Bath.Cal.Slope, Intercept: cfg.Bath.Cal.Intercept}

	circ, err := openBath(ctx, cfg, bathLink, cal, log)
	if err != nil {
		return err
	}

	pump := isco.New(pumpLink, cfg.Bath.PumpUnit, log)
	if err := pump.Connect(ctx); err != nil {
		return err
	}
	if err := pump.Clear(ctx); err != nil {
		return err
	}
	if err := pump.Run(ctx); err != nil {
		return err
	}

	spec := rf5301.New(specLink, log)
	if err := spec.Connect(ctx); err != nil {
		return err
	}

	mcu := auxmcu.New(mcuLink, log)
	if err := mcu.Wake(); err != nil {
		return err
	}
	if err := mcu.Connect(ctx); err != nil {
		return err
	}
	if err := mcu.Lamp(ctx, true); err != nil {
		return err
	}

	// the shutter starts closed so the dye sits dark until the first state
	// settles; without auto-shutter it stays open for the whole run
	if err := spec.Shutter(ctx, !cfg.Readings.AutoShutter); err != nil {
		return err
	}

	defer shutdown(log, pump, spec, circ, mcu)

	// topside PID: the plan's T_set is its target, the bath setpoint is
	// its output
	trimPID := sched.NewPID(cfg.Trim.Kp, cfg.Trim.Ki, cfg.Trim.Kd, cfg.Trim.OutMin, cfg.Trim.OutMax)
	// the PID holds the current temperature until the first state programs
	// a real target
	first, err := circ.Sample(ctx)
	if err != nil {
		return err
	}
	if tAct, ok := first["T_act"].Float(); ok {
		trimPID.SetTarget(tAct)
	}
	trimmed := &sched.Trimmer{
		Inner:         circ,
		PID:           trimPID,
		Cal:           cal,
		WriteSetpoint: circ.SetSetpoint,
		Clock:         timeutil.RealClock{},
		Log:           log,
	}

	samplers := []struct {
		s    poll.Sampler
		gate *device.Gate
	}{
		{trimmed, circ.Gate()},
		{pump, pump.Gate()},
		{spec, spec.Gate()},
		{mcu, mcu.Gate()},
	}

	pollCtx, stopPolling := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stopPolling()
		wg.Wait()
	}()
	boxes := make([]poll.Source, len(samplers))
	for i, s := range samplers {
		box := &poll.Mailbox{}
		boxes[i] = box
		p := &poll.Poller{
			Sampler:  s.s,
			Gate:     s.gate,
			Box:      box,
			Interval: cfg.Readings.CycleTime,
			Log:      log,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(pollCtx)
		}()
	}
	dataFile, err := os.Create(cfg.DataFile)
	if err != nil {
		return fmt.Errorf("failed to create data table: %w", err)
	}
	defer dataFile.Close()
	buffered := bufio.NewWriter(dataFile)
	defer buffered.Flush()
	table, err := tsvlog.New(buffered, tableColumns(plan), cfg.Readings.Headline)
	if err != nil {
		return err
	}

	s := &sched.Scheduler{
		Plan:     plan,
		Fields:   fieldSpecs(cfg, trimPID, circ, cal, pump),
		Discrete: discreteSpecs(spec, mcu),
		Boxes:    boxes,
		Safety: &safety.Monitor{
			MaxVolumeDelta: cfg.Safety.MaxVolumeDelta,
			DewMargin:      cfg.Safety.DewMargin,
			Valve:          pump.Air,
			Log:            log,
		},
		Table:         table,
		Log:           log,
		Headline:      cfg.Readings.Headline,
		NRead:         cfg.Readings.NRead,
		CycleTime:     cfg.Readings.CycleTime,
		AutoShutter:   cfg.Readings.AutoShutter,
		ShutterSettle: cfg.Readings.ShutterSettle,
		Shutter: func(ctx context.Context, open bool) error {
			spec.Gate().Hold()
			defer spec.Gate().Release()
			return spec.Shutter(ctx, open)
		},
	}
	return s.Run(ctx)
}

// loadPlan reads a state table from stdin when one is piped in, otherwise
// generates the grid from the configured ranges.
func loadPlan(cfg *config.Config) (*sched.Plan, error) {
	stat, err := os.Stdin.Stat()
	if err == nil && stat.Mode()&os.ModeCharDevice == 0 {
		return sched.ReadPlan(os.Stdin)
	}
	pair := rf5301.WLPair(cfg.Plan.WavelengthPair)
	if !pair.Valid() {
		return nil, fmt.Errorf("unknown wavelength pair %q", cfg.Plan.WavelengthPair)
	}
	fixed := sched.Row{"wl": poll.Str(string(pair))}
	if cfg.Plan.Message != "" {
		fixed["msg"] = poll.Str(cfg.Plan.Message)
	}
	return sched.Generate(cfg.Plan.Ranges, fixed)
}

func linkConfig(p config.PortConfig) device.Config {
	return device.Config{
		Port:        p.Port,
		Baud:        p.Baud,
		Parity:      p.Parity,
		ReadTimeout: p.Timeout,
	}
}

// openBath builds the configured circulator adapter, programs its control
// bands, and puts it under external-probe control.
func openBath(ctx context.Context, cfg *config.Config, link *device.Link, cal device.Linear, log zerolog.Logger) (bath, error) {
	var circ bath
	switch cfg.Bath.Protocol {
	case "isotemp":
		b := isotemp.New(link, cal, log)
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
		heat := isotemp.Bands{P: cfg.Bath.HeatPID.P, I: cfg.Bath.HeatPID.I, D: cfg.Bath.HeatPID.D}
		cool := isotemp.Bands{P: cfg.Bath.CoolPID.P, I: cfg.Bath.CoolPID.I, D: cfg.Bath.CoolPID.D}
		if err := b.SetPID(ctx, true, heat); err != nil {
			return nil, err
		}
		if err := b.SetPID(ctx, false, cool); err != nil {
			return nil, err
		}
		circ = b
	case "neslab":
		b := neslab.New(link, cal, log)
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
		heat := neslab.Bands{P: cfg.Bath.HeatPID.P, I: cfg.Bath.HeatPID.I, D: cfg.Bath.HeatPID.D}
		cool := neslab.Bands{P: cfg.Bath.CoolPID.P, I: cfg.Bath.CoolPID.I, D: cfg.Bath.CoolPID.D}
		if err := b.SetPID(ctx, true, heat); err != nil {
			return nil, err
		}
		if err := b.SetPID(ctx, false, cool); err != nil {
			return nil, err
		}
		circ = b
	default:
		return nil, fmt.Errorf("unknown bath protocol %q", cfg.Bath.Protocol)
	}
	if err := circ.UseExternalProbe(ctx, true); err != nil {
		return nil, err
	}
	if err := circ.On(ctx, true); err != nil {
		return nil, err
	}
	return circ, nil
}

// fieldSpecs binds the equilibrated plan columns to the instruments. A new
// temperature target goes to the topside PID and straight to the bath so
// the approach starts immediately.
func fieldSpecs(cfg *config.Config, trimPID *sched.PID, circ bath, cal device.Linear, pump *isco.Pump) []sched.FieldSpec {
	return []sched.FieldSpec{
		{
			Setpoint: "T_set",
			Measured: "T_act",
			Tol:      cfg.Equil.Temperature.Tol,
			Hold:     cfg.Equil.Temperature.Min,
			Timeout:  cfg.Equil.Temperature.Max,
			Gate:     circ.Gate(),
			Apply: func(ctx context.Context, v float64) error {
				trimPID.SetTarget(v)
				return circ.SetSetpoint(ctx, cal.ActToRef(v))
			},
			Relax: true,
		},
		{
			Setpoint: "P_set",
			Measured: "P_act",
			Tol:      cfg.Equil.Pressure.Tol,
			Hold:     cfg.Equil.Pressure.Min,
			Timeout:  cfg.Equil.Pressure.Max,
			Gate:     pump.Gate(),
			Apply:    pump.SetPressure,
		},
	}
}

// discreteSpecs binds the non-equilibrated columns: the monochromator pair
// and the polarizer wheels.
func discreteSpecs(spec *rf5301.Spec, mcu *auxmcu.MCU) []sched.DiscreteSpec {
	return []sched.DiscreteSpec{
		{
			Columns: []string{"wl"},
			Gate:    spec.Gate(),
			Apply: func(ctx context.Context, row sched.Row) error {
				pair := rf5301.WLPair(row["wl"].String())
				if !pair.Valid() {
					return fmt.Errorf("unknown wavelength pair %q", row["wl"].String())
				}
				return spec.SetPair(ctx, pair)
			},
		},
		{
			Columns: []string{"pol_ex", "pol_em"},
			Gate:    mcu.Gate(),
			Apply: func(ctx context.Context, row sched.Row) error {
				if pos, ok := row["pol_ex"].Float(); ok {
					if _, err := mcu.Ex(ctx, int(pos)); err != nil {
						return err
					}
				}
				if pos, ok := row["pol_em"].Float(); ok {
					if _, err := mcu.Em(ctx, int(pos)); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

// tableColumns is every variable the table can carry: the plan's own
// columns plus everything the pollers and the scheduler report.
func tableColumns(plan *sched.Plan) []string {
	cols := []string{
		"T_int", "T_ext", "T_act",
		"P_act", "vol", "air",
		"T_amb", "RH", "dewpt",
		"intensity", "P", "I", "D", "state",
	}
	cols = append(cols, plan.Columns...)
	seen := make(map[string]bool, len(cols))
	out := make([]string, 0, len(cols))
	for _, col := range cols {
		if !seen[col] {
			seen[col] = true
			out = append(out, col)
		}
	}
	sort.Strings(out)
	return out
}

// shutdown parks the rig in its safe resting state. It runs on a fresh
// context so a cancelled run still gets a full teardown.
func shutdown(log zerolog.Logger, pump *isco.Pump, spec *rf5301.Spec, circ bath, mcu *auxmcu.MCU) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := multierr.Combine(
		pump.Air(ctx, false),
		pump.Pause(ctx),
		pump.Local(ctx),
		spec.Shutter(ctx, false),
		circ.On(ctx, false),
		mcu.Lamp(ctx, false),
	)
	if err != nil {
		log.Warn().Err(err).Msg("shutdown left devices in an unknown state")
	} else {
		log.Info().Msg("rig parked")
	}
}
