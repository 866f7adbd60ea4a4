package sim

import (
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/rfcal-bench/internal/link"
	"github.com/shaunagostinho/rfcal-bench/internal/toolboard"
)

const replyDelay = 3 * time.Millisecond

// Board plays the tooling board: it decodes every frame the host sends,
// tracks the switch state and echoes the frame back as its ack.
type Board struct {
	port *link.MemPort

	mu          sync.Mutex
	rx          []byte
	channel     int
	freqIndex   int
	attenuation byte
	antenna     bool
	source      bool
	switchHigh  bool
	lockCode    byte
	dropAcks    int
}

func newBoard() *Board {
	b := &Board{port: link.NewMemPort(), channel: 1, freqIndex: 1}
	b.port.OnWrite = b.handle
	return b
}

// Port is the host side of the link.
func (b *Board) Port() link.Port { return b.port }

// DropAcks makes the board swallow the next n acks.
func (b *Board) DropAcks(n int) {
	b.mu.Lock()
	b.dropAcks = n
	b.mu.Unlock()
}

// BoardState is the switch state the board has been driven into.
type BoardState struct {
	Channel     int  `json:"channel"`
	FreqIndex   int  `json:"freqIndex"`
	Attenuation byte `json:"attenuation"`
	Antenna     bool `json:"antenna"`
	Source      bool `json:"source"`
	SwitchHigh  bool `json:"switchHigh"`
	LockCode    byte `json:"lockCode"`
}

func (b *Board) State() BoardState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BoardState{
		Channel:     b.channel,
		FreqIndex:   b.freqIndex,
		Attenuation: b.attenuation,
		Antenna:     b.antenna,
		Source:      b.source,
		SwitchHigh:  b.switchHigh,
		LockCode:    b.lockCode,
	}
}

func (b *Board) handle(p []byte) {
	b.mu.Lock()
	b.rx = append(b.rx, p...)
	frames, rest, _ := toolboard.Decode(b.rx, toolboard.AnyCommand)
	b.rx = append(b.rx[:0], rest...)

	var acks [][]byte
	for _, f := range frames {
		b.apply(f)
		if b.dropAcks > 0 {
			b.dropAcks--
			continue
		}
		ack, err := toolboard.Encode(f.Command, f.Payload)
		if err != nil {
			continue
		}
		acks = append(acks, ack)
	}
	b.mu.Unlock()

	for _, ack := range acks {
		ack := ack
		time.AfterFunc(replyDelay, func() { b.port.Inject(ack) })
	}
}

// apply runs with mu held.
func (b *Board) apply(f toolboard.Frame) {
	if len(f.Payload) == 0 {
		return
	}
	v := f.Payload[0]
	switch f.Command {
	case toolboard.CmdFrequency:
		b.freqIndex = int(v) + 1
	case toolboard.CmdAttenuation:
		b.attenuation = v
	case toolboard.CmdChannel:
		b.channel = int(v) + 1
	case toolboard.CmdCalSwitch:
		b.switchHigh = v == 1
	case toolboard.CmdGroup:
		if len(f.Payload) < 4 {
			return
		}
		target, value := f.Payload[1], f.Payload[3]
		switch target {
		case 0x02:
			b.lockCode = value
		case 0x03:
			b.source = value == 0x00
		case 0x04:
			b.antenna = value == 0x01
		}
	default:
		log.Printf("[sim] board: unknown command 0x%02X", f.Command)
	}
}
