package deploy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitedeploy/internal/site"
	"github.com/3cpo-dev/sitedeploy/internal/telemetry"
)

// PollInterval is the wait between two fetches of a polled file.
const PollInterval = 10 * time.Second

// MaxPollMinutes caps any poll timeout, including operator overrides.
const MaxPollMinutes = 7 * 24 * 60

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poller waits for a remote file to appear.
type Poller struct {
	client site.Client
	// Override returns an operator timeout in minutes; it is consulted on
	// every WaitForFile call.
	Override func() (float64, bool)
	Sleep    SleepFunc
}

func NewPoller(client site.Client) *Poller {
	return &Poller{client: client, Sleep: sleepCtx}
}

// pollAttempts converts a timeout in minutes to a fetch budget, clamped to
// [0, MaxPollMinutes].
func pollAttempts(minutes float64) int {
	switch {
	case math.IsNaN(minutes) || minutes <= 0:
		return 0
	case minutes > MaxPollMinutes:
		minutes = MaxPollMinutes
	}
	return int(math.Ceil(minutes * 60 / PollInterval.Seconds()))
}

// WaitForFile fetches dir/fileName every PollInterval until it exists.
// It gives up after ceil(timeoutMinutes*60/10) misses.
func (p *Poller) WaitForFile(ctx context.Context, dir, fileName string, timeoutMinutes float64) error {
	if p.Override != nil {
		if m, ok := p.Override(); ok {
			log.Debug().Float64("minutes", m).Msg("retry timeout provided by operator")
			timeoutMinutes = m
		}
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	maxAttempts := pollAttempts(timeoutMinutes)
	log.Debug().Str("file", fileName).Int("max_attempts", maxAttempts).Msg("polling started")

	start := time.Now()
	defer func() { telemetry.TimerGlobal("poll_wait", time.Since(start), nil) }()

	attempts := 0
	for attempts < maxAttempts {
		attempts++
		_, found, err := p.client.GetFileContent(ctx, dir, fileName)
		if err != nil {
			return fmt.Errorf("poll %s: %w", fileName, err)
		}
		if found {
			log.Debug().Str("file", fileName).Int("attempt", attempts).Msg("found polled file")
			return nil
		}
		log.Debug().Str("file", fileName).Int("attempt", attempts).Msg("file not found, retrying")
		if err := sleep(ctx, PollInterval); err != nil {
			return fmt.Errorf("poll %s: %w", fileName, err)
		}
	}
	return &PollTimeoutError{FileName: fileName, Attempts: attempts}
}
