package sim

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/shaunagostinho/rfcal-bench/internal/eeprom"
	"github.com/shaunagostinho/rfcal-bench/internal/link"
)

// Chip plays the EEPROM/temperature sensor: it answers reads, stores
// writes, honours mode frames and streams telemetry samples.
type Chip struct {
	port *link.MemPort

	mu          sync.Mutex
	rx          []byte
	mem         map[uint16]byte
	programming bool
	suspended   bool
	modes       []byte

	temperature func() float64
	stop        chan struct{}
	wg          sync.WaitGroup
}

func newChip(temperature func() float64) *Chip {
	c := &Chip{
		port:        link.NewMemPort(),
		mem:         map[uint16]byte{},
		temperature: temperature,
	}
	c.port.OnWrite = c.handle
	return c
}

// Port is the host side of the link.
func (c *Chip) Port() link.Port { return c.port }

// Peek returns the stored byte at addr.
func (c *Chip) Peek(addr uint16) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mem[addr]
}

// Poke stores v at addr without any link traffic.
func (c *Chip) Poke(addr uint16, v byte) {
	c.mu.Lock()
	c.mem[addr] = v
	c.mu.Unlock()
}

// Modes returns the mode codes received so far.
func (c *Chip) Modes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.modes...)
}

// Programming reports whether the chip is in programming mode.
func (c *Chip) Programming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.programming
}

// startTelemetry streams one sample every interval until stopTelemetry.
func (c *Chip) startTelemetry(interval time.Duration) {
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-t.C:
			}
			c.mu.Lock()
			quiet := c.suspended
			c.mu.Unlock()
			if !quiet {
				c.port.Inject(eeprom.EncodeSample(c.temperature()))
			}
		}
	}()
}

func (c *Chip) stopTelemetry() {
	if c.stop != nil {
		close(c.stop)
		c.wg.Wait()
		c.stop = nil
	}
}

func (c *Chip) handle(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rx = append(c.rx, p...)

	for len(c.rx) >= eeprom.ModeLen {
		if c.rx[0] != eeprom.Sync1 || c.rx[1] != eeprom.Sync2 {
			c.rx = c.rx[1:]
			continue
		}
		if c.rx[2] != eeprom.FrameLen {
			c.mode(c.rx[3])
			c.rx = c.rx[eeprom.ModeLen:]
			continue
		}
		if len(c.rx) < eeprom.FrameLen {
			return
		}
		cmd := c.rx[3]
		addr := binary.BigEndian.Uint16(c.rx[4:6])
		v := c.rx[6]
		c.rx = c.rx[eeprom.FrameLen:]

		if cmd == eeprom.CmdWrite {
			c.mem[addr] = v
			continue
		}
		reply := eeprom.EncodeFrame(eeprom.CmdRead, addr, c.mem[addr])
		time.AfterFunc(replyDelay, func() { c.port.Inject(reply) })
	}
}

// mode runs with mu held.
func (c *Chip) mode(m byte) {
	c.modes = append(c.modes, m)
	switch m {
	case eeprom.ModeEnterProgramming:
		c.programming = true
	case eeprom.ModeExitProgramming:
		c.programming = false
	case eeprom.ModeSuspendTelemetry:
		c.suspended = true
	case eeprom.ModeResumeTelemetry:
		c.suspended = false
	}
}
