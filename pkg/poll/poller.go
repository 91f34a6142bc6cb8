package poll

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/octopode/spectackler/pkg/device"
	"github.com/octopode/spectackler/pkg/timeutil"
)

// Sampler is one instrument's read-everything operation.
type Sampler interface {
	Name() string
	Sample(ctx context.Context) (Fields, error)
}

// Poller drives a Sampler on a fixed period, delivering into a Mailbox.
// It waits for the device's gate before each pass so that command traffic
// from the scheduler is never interleaved with status polls.
type Poller struct {
	Sampler  Sampler
	Gate     *device.Gate
	Box      *Mailbox
	Interval time.Duration
	Clock    timeutil.Clock
	Log      zerolog.Logger
}

// Run polls until the context is cancelled. Sampling errors are logged and
// the pass is skipped; a sampler that keeps failing leaves the mailbox
// holding its last good reading.
func (p *Poller) Run(ctx context.Context) {
	clock := p.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	log := p.Log.With().Str("sampler", p.Sampler.Name()).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.Gate.Wait(ctx); err != nil {
			return
		}
		fields, err := p.Sampler.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("sample failed")
		} else {
			p.Box.Put(Sample{At: clock.Now(), Fields: fields})
		}
		clock.Sleep(p.Interval)
	}
}
