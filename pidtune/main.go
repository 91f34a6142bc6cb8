// Command pidtune sweeps the circulator's proportional band and measures
// the amplitude of the steady temperature oscillation at each setting. The
// results feed a Ziegler-Nichols style choice of control bands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/octopode/spectackler/pkg/config"
	"github.com/octopode/spectackler/pkg/device"
	"github.com/octopode/spectackler/pkg/isotemp"
	"github.com/octopode/spectackler/pkg/logging"
	"github.com/octopode/spectackler/pkg/sched"
)

func main() {
	var (
		configFlag   = flag.String("config", "config.yaml", "Configuration file path")
		setpointFlag = flag.Float64("setpoint", 25, "Bath setpoint to oscillate around")
		bandsFlag    = flag.String("bands", "8,4,2,1,0.5", "Comma-separated proportional bands to try")
		peaksFlag    = flag.Int("peaks", 3, "Consecutive matching peaks and valleys required")
		tolFlag      = flag.Float64("tol", 0.05, "Peak-to-peak spread tolerated in a steady cycle")
		timeoutFlag  = flag.Duration("timeout", 45*time.Minute, "Give up on one band after this long")
		periodFlag   = flag.Duration("period", time.Second, "Sampling period")
	)
	flag.Parse()

	log := logging.New(os.Stderr, "pidtune")

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	bands, err := parseBands(*bandsFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("bad band list")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, bands, *setpointFlag, *peaksFlag, *tolFlag, *timeoutFlag, *periodFlag); err != nil {
		log.Fatal().Err(err).Msg("tuning failed")
	}
}

func parseBands(s string) ([]float64, error) {
	var out []float64
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, fmt.Errorf("band %q: %w", field, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func run(
	ctx context.Context,
	cfg *config.Config,
	log zerolog.Logger,
	bands []float64,
	setpoint float64,
	peaks int,
	tol float64,
	timeout, period time.Duration,
) error {
	link, err := device.Open("bath", device.Config{
		Port:        cfg.Ports.Bath.Port,
		Baud:        cfg.Ports.Bath.Baud,
		Parity:      cfg.Ports.Bath.Parity,
		ReadTimeout: cfg.Ports.Bath.Timeout,
	}, log)
	if err != nil {
		return err
	}
	defer link.Close()

	cal := device.Linear{Slope: cfg.Bath.Cal.Slope, Intercept: cfg.Bath.Cal.Intercept}
	bath := isotemp.New(link, cal, log)
	if err := bath.Connect(ctx); err != nil {
		return err
	}
	if err := bath.UseExternalProbe(ctx, true); err != nil {
		return err
	}
	if err := bath.SetSetpoint(ctx, cal.ActToRef(setpoint)); err != nil {
		return err
	}
	if err := bath.On(ctx, true); err != nil {
		return err
	}
	defer bath.On(context.Background(), false)

	fmt.Println("p_band\tamplitude\tsteady")
	for _, band := range bands {
		// tune with pure proportional control so the oscillation is the
		// band's own
		if err := bath.SetPID(ctx, true, isotemp.Bands{P: band}); err != nil {
			return err
		}
		if err := bath.SetPID(ctx, false, isotemp.Bands{P: band}); err != nil {
			return err
		}
		log.Info().Float64("p_band", band).Msg("watching for steady oscillation")

		amp, steady, err := watch(ctx, bath, peaks, tol, timeout, period)
		if err != nil {
			return err
		}
		if steady {
			fmt.Printf("%g\t%.3f\t1\n", band, amp)
		} else {
			fmt.Printf("%g\t\t0\n", band)
			log.Warn().Float64("p_band", band).Msg("no steady cycle before timeout")
		}
	}
	return nil
}

// watch feeds the external probe into the oscillation detector until the
// cycle is steady or the timeout lapses.
func watch(
	ctx context.Context,
	bath *isotemp.Bath,
	peaks int,
	tol float64,
	timeout, period time.Duration,
) (float64, bool, error) {
	osc := &sched.Oscillator{Need: peaks, Tol: tol}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		temp, err := bath.TempExternal(ctx)
		if err != nil {
			return 0, false, err
		}
		osc.Feed(temp)
		if osc.Steady() {
			amp, ok := osc.Amplitude()
			if ok {
				return amp, true, nil
			}
		}
		time.Sleep(period)
	}
	return 0, false, nil
}
