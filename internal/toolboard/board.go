package toolboard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/rfcal-bench/internal/link"
)

// Tooling-board command codes.
const (
	CmdGroup       = 0x11 // peripheral control, see groupPayload
	CmdCalSwitch   = 0x12 // calibration switch high/low
	CmdFrequency   = 0x13 // frequency select
	CmdAttenuation = 0x14 // attenuation select
	CmdChannel     = 0x15 // channel select
)

// Peripheral-control payload: FE TARGET 05 VALUE XOR(first four)
const (
	groupHeader = 0xFE
	groupSubCmd = 0x05

	targetChannelLock = 0x02
	targetCalSource   = 0x03
	targetAntenna     = 0x04
)

const (
	pollInterval      = 10 * time.Millisecond
	modeStepDelay     = 50 * time.Millisecond
	defaultAckTimeout = 1000 * time.Millisecond
	defaultRetries    = 3
	defaultRetryDelay = 100 * time.Millisecond
)

// FrequenciesMHz maps frequency index 1..4 to the board's LO setting.
var FrequenciesMHz = [...]int{3330, 3350, 3370, 3390}

// Attenuation codes accepted by CmdAttenuation, keyed by dB.
var attenuationCodes = map[int]byte{
	0:  0x0F,
	10: 0x0C,
	36: 0x00,
}

// ChannelLockCodes names the lock codes 1..7.
var ChannelLockCodes = map[byte]string{1: "A", 2: "B", 3: "C", 4: "E", 5: "F", 6: "G", 7: "H"}

var (
	// ErrAckTimeout is returned when no matching frame arrives before the deadline.
	ErrAckTimeout = errors.New("toolboard: ack timeout")
	// ErrInvalidArgument is returned for out-of-range channel, frequency,
	// attenuation or lock codes.
	ErrInvalidArgument = errors.New("toolboard: invalid argument")
)

// Config holds tooling-board link and transaction settings.
type Config struct {
	Link         link.Config `yaml:"link" json:"link"`
	AckTimeoutMs int         `yaml:"ack_timeout_ms" json:"ackTimeoutMs"`
	Retries      int         `yaml:"retries" json:"retries"`
	RetryDelayMs int         `yaml:"retry_delay_ms" json:"retryDelayMs"`
}

// Board drives the tooling board: frequency, attenuation and channel
// switching plus the calibration-path peripherals.
//
// Every transaction goes clear queue -> write -> wait. txMu keeps those
// sequences from interleaving on the link.
type Board struct {
	link       *link.Session
	ackTimeout time.Duration
	retries    int
	retryDelay time.Duration

	txMu sync.Mutex

	pendMu  sync.Mutex
	pending *pendingAck

	subMu    sync.RWMutex
	handlers []func(Frame)
}

type pendingAck struct {
	cmd   byte
	once  sync.Once
	done  chan struct{}
	frame Frame
}

func (p *pendingAck) satisfy(f Frame) {
	p.once.Do(func() {
		p.frame = f
		close(p.done)
	})
}

// New creates a Board with a closed link.
func New(cfg Config) *Board {
	if cfg.Link.BaudRate == 0 {
		cfg.Link.BaudRate = 115200
	}
	if cfg.AckTimeoutMs <= 0 {
		cfg.AckTimeoutMs = int(defaultAckTimeout / time.Millisecond)
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.RetryDelayMs <= 0 {
		cfg.RetryDelayMs = int(defaultRetryDelay / time.Millisecond)
	}
	b := &Board{
		ackTimeout: time.Duration(cfg.AckTimeoutMs) * time.Millisecond,
		retries:    cfg.Retries,
		retryDelay: time.Duration(cfg.RetryDelayMs) * time.Millisecond,
	}
	b.link = link.NewSession("toolboard", cfg.Link, func() { b.drain(false) })
	return b
}

func (b *Board) Name() string              { return "Tooling board" }
func (b *Board) Connect() error            { return b.link.Connect() }
func (b *Board) Attach(p link.Port)        { b.link.Attach(p) }
func (b *Board) Close() error              { return b.link.Close() }
func (b *Board) IsConnected() bool         { return b.link.IsConnected() }
func (b *Board) AckTimeout() time.Duration { return b.ackTimeout }

// OnFrame registers fn for every decoded frame, acks included. fn runs on
// the link's dispatcher or on the goroutine waiting for an ack and must not
// block.
func (b *Board) OnFrame(fn func(Frame)) {
	b.subMu.Lock()
	b.handlers = append(b.handlers, fn)
	b.subMu.Unlock()
}

// drain runs one decode pass over the queue. The background pass decodes
// with no filter; the polling wait passes filtered=true so it stops right
// after the expected frame. Either way, a frame matching the pending
// transaction satisfies it.
func (b *Board) drain(filtered bool) {
	var (
		frames []Frame
		p      *pendingAck
	)
	b.link.Process(func(q []byte) []byte {
		b.pendMu.Lock()
		p = b.pending
		b.pendMu.Unlock()

		expect := AnyCommand
		if filtered && p != nil {
			expect = int(p.cmd)
		}
		var rest []byte
		frames, rest, _ = Decode(q, expect)
		return rest
	})

	for _, f := range frames {
		b.emit(f)
		if p != nil && f.Command == p.cmd {
			p.satisfy(f)
		}
	}
}

func (b *Board) emit(f Frame) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, h := range b.handlers {
		h(f)
	}
}

// SendFrame writes one frame without waiting for a reply.
func (b *Board) SendFrame(cmd byte, payload []byte) error {
	frame, err := Encode(cmd, payload)
	if err != nil {
		return err
	}
	b.txMu.Lock()
	defer b.txMu.Unlock()
	if err := b.link.Write(frame); err != nil {
		return fmt.Errorf("toolboard: send 0x%02X: %w", cmd, err)
	}
	return nil
}

// SendWithAck clears the receive queue, writes the frame and polls every
// 10 ms until a frame with the same command comes back or timeout elapses.
// It never retries; see SendWithRetry.
func (b *Board) SendWithAck(ctx context.Context, cmd byte, payload []byte, timeout time.Duration) (Frame, error) {
	frame, err := Encode(cmd, payload)
	if err != nil {
		return Frame{}, err
	}
	if timeout <= 0 {
		timeout = b.ackTimeout
	}

	b.txMu.Lock()
	defer b.txMu.Unlock()

	if !b.link.IsConnected() {
		return Frame{}, fmt.Errorf("toolboard: send 0x%02X: %w", cmd, link.ErrNotConnected)
	}

	p := &pendingAck{cmd: cmd, done: make(chan struct{})}
	b.link.Process(func(q []byte) []byte {
		b.pendMu.Lock()
		b.pending = p
		b.pendMu.Unlock()
		return q[:0]
	})
	defer func() {
		b.pendMu.Lock()
		b.pending = nil
		b.pendMu.Unlock()
	}()

	if err := b.link.Write(frame); err != nil {
		return Frame{}, fmt.Errorf("toolboard: send 0x%02X: %w", cmd, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return p.frame, nil
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-deadline.C:
			b.drain(true)
			select {
			case <-p.done:
				return p.frame, nil
			default:
			}
			return Frame{}, fmt.Errorf("%w: cmd 0x%02X after %v", ErrAckTimeout, cmd, timeout)
		case <-ticker.C:
			b.drain(true)
		}
	}
}

// SendWithRetry wraps SendWithAck with a bounded number of attempts and a
// fixed backoff. Only idempotent switch commands should go through it.
func (b *Board) SendWithRetry(ctx context.Context, cmd byte, payload []byte) (Frame, error) {
	var lastErr error
	for attempt := 1; attempt <= b.retries; attempt++ {
		f, err := b.SendWithAck(ctx, cmd, payload, b.ackTimeout)
		if err == nil {
			return f, nil
		}
		lastErr = err
		if errors.Is(err, link.ErrNotConnected) || ctx.Err() != nil {
			return Frame{}, err
		}
		log.Printf("[toolboard] cmd 0x%02X attempt %d/%d failed: %v", cmd, attempt, b.retries, err)
		if attempt < b.retries {
			select {
			case <-ctx.Done():
				return Frame{}, ctx.Err()
			case <-time.After(b.retryDelay):
			}
		}
	}
	return Frame{}, lastErr
}

// =============================================================================
// Command set
// =============================================================================

// SetFrequency selects frequency index 1..4 (see FrequenciesMHz).
func (b *Board) SetFrequency(ctx context.Context, index int) error {
	if index < 1 || index > len(FrequenciesMHz) {
		return fmt.Errorf("%w: frequency index %d", ErrInvalidArgument, index)
	}
	log.Printf("[toolboard] frequency -> %d MHz", FrequenciesMHz[index-1])
	_, err := b.SendWithRetry(ctx, CmdFrequency, []byte{byte(index - 1)})
	return err
}

// SetAttenuation selects 0, 10 or 36 dB.
func (b *Board) SetAttenuation(ctx context.Context, dB int) error {
	code, ok := attenuationCodes[dB]
	if !ok {
		return fmt.Errorf("%w: attenuation %d dB", ErrInvalidArgument, dB)
	}
	log.Printf("[toolboard] attenuation -> %d dB", dB)
	_, err := b.SendWithRetry(ctx, CmdAttenuation, []byte{code})
	return err
}

// SelectChannel routes receiver channel ch (1-based) to the measurement port.
func (b *Board) SelectChannel(ctx context.Context, ch int) error {
	if ch < 1 || ch > 0xFF {
		return fmt.Errorf("%w: channel %d", ErrInvalidArgument, ch)
	}
	log.Printf("[toolboard] channel -> %d", ch)
	_, err := b.SendWithRetry(ctx, CmdChannel, []byte{byte(ch - 1)})
	return err
}

// CalibrationSwitch drives the calibration switch line high or low.
func (b *Board) CalibrationSwitch(high bool) error {
	v := byte(0)
	if high {
		v = 1
	}
	return b.SendFrame(CmdCalSwitch, []byte{v})
}

// CalibrationSource powers the calibration source on or off.
func (b *Board) CalibrationSource(on bool) error {
	v := byte(0x01)
	if on {
		v = 0x00
	}
	return b.SendFrame(CmdGroup, groupPayload(targetCalSource, v))
}

// Antenna enables or disables the antenna path.
func (b *Board) Antenna(enable bool) error {
	v := byte(0x00)
	if enable {
		v = 0x01
	}
	return b.SendFrame(CmdGroup, groupPayload(targetAntenna, v))
}

// LockChannel sends a channel lock code 1..7 (see ChannelLockCodes).
func (b *Board) LockChannel(code byte) error {
	if _, ok := ChannelLockCodes[code]; !ok {
		return fmt.Errorf("%w: lock code %d", ErrInvalidArgument, code)
	}
	return b.SendFrame(CmdGroup, groupPayload(targetChannelLock, code))
}

// EnterAntennaMode is switch high, source on, antenna enable.
func (b *Board) EnterAntennaMode(ctx context.Context) error {
	return b.sequence(ctx, "antenna",
		func() error { return b.CalibrationSwitch(true) },
		func() error { return b.CalibrationSource(true) },
		func() error { return b.Antenna(true) },
	)
}

// EnterNormalMode is switch low, source off, antenna disable.
func (b *Board) EnterNormalMode(ctx context.Context) error {
	return b.sequence(ctx, "normal",
		func() error { return b.CalibrationSwitch(false) },
		func() error { return b.CalibrationSource(false) },
		func() error { return b.Antenna(false) },
	)
}

func (b *Board) sequence(ctx context.Context, name string, steps ...func() error) error {
	for i, step := range steps {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(modeStepDelay):
			}
		}
		if err := step(); err != nil {
			return fmt.Errorf("toolboard: %s mode step %d: %w", name, i+1, err)
		}
	}
	log.Printf("[toolboard] %s mode set", name)
	return nil
}

func groupPayload(target, value byte) []byte {
	p := []byte{groupHeader, target, groupSubCmd, value, 0}
	p[4] = p[0] ^ p[1] ^ p[2] ^ p[3]
	return p
}
