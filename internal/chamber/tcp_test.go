package chamber

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateway answers Modbus TCP requests from an in-memory register file.
// Writes to registers outside regs fail with illegal data address.
type gateway struct {
	mu    sync.Mutex
	ln    net.Listener
	regs  map[uint16]uint16
	coils map[uint16]bool
	units []byte
}

func newGateway(t *testing.T) *gateway {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := &gateway{ln: ln, regs: map[uint16]uint16{}, coils: map[uint16]bool{}}
	go g.serve()
	t.Cleanup(func() { ln.Close() })
	return g
}

func (g *gateway) serve() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		go g.handle(conn)
	}
}

func (g *gateway) handle(conn net.Conn) {
	defer conn.Close()
	head := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, head); err != nil {
			return
		}
		pdu := make([]byte, binary.BigEndian.Uint16(head[4:])-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		resp := g.respond(head[6], pdu)
		out := make([]byte, 7, 7+len(resp))
		copy(out, head[:4])
		binary.BigEndian.PutUint16(out[4:], uint16(len(resp)+1))
		out[6] = head[6]
		if _, err := conn.Write(append(out, resp...)); err != nil {
			return
		}
	}
}

func (g *gateway) reg(addr uint16) uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.regs[addr]
}

func (g *gateway) coil(addr uint16) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.coils[addr]
}

func (g *gateway) seenUnits() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]byte(nil), g.units...)
}

func (g *gateway) respond(unit byte, pdu []byte) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.units = append(g.units, unit)

	fn := pdu[0]
	addr := binary.BigEndian.Uint16(pdu[1:])
	val := binary.BigEndian.Uint16(pdu[3:])
	switch fn {
	case 0x03:
		out := []byte{fn, byte(val * 2)}
		for i := uint16(0); i < val; i++ {
			out = binary.BigEndian.AppendUint16(out, g.regs[addr+i])
		}
		return out
	case 0x06:
		if _, ok := g.regs[addr]; !ok {
			return []byte{fn | 0x80, 0x02}
		}
		g.regs[addr] = val
		return pdu
	case 0x05:
		g.coils[addr] = val == 0xFF00
		return pdu
	}
	return []byte{fn | 0x80, 0x01}
}

func TestTCPBackendRoundTrip(t *testing.T) {
	g := newGateway(t)
	regs := DefaultRegisters()
	g.mu.Lock()
	g.regs[regs.Temperature] = 0xFB2E // -12.34 °C
	g.regs[regs.Status] = 1
	g.regs[regs.SetPoint] = 0
	g.mu.Unlock()

	b := NewTCPBackend(TCPConfig{Address: g.ln.Addr().String(), SlaveID: 7})
	require.NoError(t, b.Connect())
	defer b.Close()

	c := New(b, Config{Registers: regs, StartStop: "coil", MinTemp: -40, MaxTemp: 100})
	ctx := context.Background()

	temp, err := c.ReadTemperature(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -12.34, temp, 1e-9)

	require.NoError(t, c.SetTemperature(ctx, 55.5))
	assert.Equal(t, uint16(5550), g.reg(regs.SetPoint))

	require.NoError(t, c.Start(ctx))
	assert.True(t, g.coil(regs.StartCoil))

	units := g.seenUnits()
	require.NotEmpty(t, units)
	for _, u := range units {
		assert.Equal(t, byte(7), u)
	}
}

func TestTCPBackendException(t *testing.T) {
	g := newGateway(t)
	b := NewTCPBackend(TCPConfig{Address: g.ln.Addr().String()})
	require.NoError(t, b.Connect())
	defer b.Close()

	err := b.WriteSingleRegister(context.Background(), 0x0999, 1)
	var mbErr *modbus.ModbusError
	require.True(t, errors.As(err, &mbErr), "got %v", err)
	assert.Equal(t, byte(0x02), mbErr.ExceptionCode)
}

func TestTCPBackendNeedsAddress(t *testing.T) {
	assert.Error(t, NewTCPBackend(TCPConfig{}).Connect())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTCPBackend(TCPConfig{Address: "127.0.0.1:1"}).ReadHoldingRegisters(ctx, 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
