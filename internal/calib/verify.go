package calib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// VerifySettings tunes the verification sweep.
type VerifySettings struct {
	ChannelSettleMs   int `yaml:"channel_settle_ms" json:"channelSettleMs"`
	FrequencySettleMs int `yaml:"frequency_settle_ms" json:"frequencySettleMs"`
	TimeoutS          int `yaml:"timeout_s" json:"timeoutS"`
}

func DefaultVerifySettings() VerifySettings {
	return VerifySettings{ChannelSettleMs: 800, FrequencySettleMs: 2000, TimeoutS: 300}
}

// VerifyPoint is one channel/frequency reading. Err is set instead of Value
// when the reading failed; a failed point does not stop the sweep.
type VerifyPoint struct {
	Channel int     `json:"channel"`
	Name    string  `json:"name"`
	FreqMHz int     `json:"freqMHz"`
	Value   float64 `json:"value"`
	Err     string  `json:"err,omitempty"`
}

// ErrNoBench is returned by Verify when no Bench is configured.
var ErrNoBench = errors.New("calib: verification needs a tooling board")

// VerifyChannels returns the channels swept for a variant.
func VerifyChannels(c ChannelCount) []int {
	if c == Eight {
		return []int{1, 2, 3, 5, 6, 7, 8}
	}
	return []int{1, 2, 4, 5}
}

// ChannelName is the letter used on the board silkscreen, A for channel 1.
func ChannelName(ch int) string {
	if ch >= 1 && ch <= 8 {
		return string(rune('A' + ch - 1))
	}
	return fmt.Sprint(ch)
}

// Verify switches through every channel and frequency, reading measure at
// each point. The sweep is bounded by s.TimeoutS on top of ctx.
func (c *Calibrator) Verify(ctx context.Context, channels ChannelCount, measure MeasureFunc, s VerifySettings, onPoint func(VerifyPoint)) ([]VerifyPoint, error) {
	if c.Bench == nil {
		return nil, ErrNoBench
	}
	if measure == nil {
		return nil, ErrNoMeasurer
	}
	d := DefaultVerifySettings()
	if s.TimeoutS <= 0 {
		s.TimeoutS = d.TimeoutS
	}
	timeout := time.Duration(s.TimeoutS) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Printf("[calib] verification of %v, timeout %v", channels, timeout)
	var points []VerifyPoint
	for _, ch := range VerifyChannels(channels) {
		if err := ctx.Err(); err != nil {
			return points, verifyErr(err, timeout)
		}
		if err := c.Bench.SelectChannel(ctx, ch); err != nil {
			return points, fmt.Errorf("calib: verify channel %s: %w", ChannelName(ch), err)
		}
		if err := sleepCtx(ctx, time.Duration(s.ChannelSettleMs)*time.Millisecond); err != nil {
			return points, verifyErr(err, timeout)
		}

		for f := 1; f <= numFrequencies; f++ {
			mhz, _ := FrequencyMHz(f)
			if err := c.Bench.SetFrequency(ctx, f); err != nil {
				return points, fmt.Errorf("calib: verify %d MHz: %w", mhz, err)
			}
			if err := sleepCtx(ctx, time.Duration(s.FrequencySettleMs)*time.Millisecond); err != nil {
				return points, verifyErr(err, timeout)
			}

			p := VerifyPoint{Channel: ch, Name: ChannelName(ch), FreqMHz: mhz}
			v, err := measure(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return points, verifyErr(ctx.Err(), timeout)
				}
				p.Err = err.Error()
				log.Printf("[calib] verify %s %d MHz: %v", p.Name, mhz, err)
			} else {
				p.Value = v
				log.Printf("[calib] verify %s %d MHz: %.1f", p.Name, mhz, v)
			}
			points = append(points, p)
			if onPoint != nil {
				onPoint(p)
			}
		}
	}
	return points, nil
}

func verifyErr(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("calib: verification exceeded %v: %w", timeout, err)
	}
	return err
}
