package modbus

import (
	"encoding/binary"
	"fmt"
)

// Function codes supported by the master.
const (
	FuncReadHoldingRegisters = 0x03
	FuncWriteSingleCoil      = 0x05
	FuncWriteSingleRegister  = 0x06

	exceptionBit = 0x80
)

// Coil values for FuncWriteSingleCoil.
const (
	CoilOn  = 0xFF00
	CoilOff = 0x0000
)

// requestLen is SLAVE FUNC ADDR_HI ADDR_LO DATA_HI DATA_LO CRC_LO CRC_HI.
const requestLen = 8

// CRC16 is the Modbus RTU CRC: init 0xFFFF, reflected polynomial 0xA001.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// AppendCRC appends the CRC of b, low byte first.
func AppendCRC(b []byte) []byte {
	crc := CRC16(b)
	return append(b, byte(crc), byte(crc>>8))
}

// CheckCRC reports whether the trailing two bytes of frame are its CRC.
func CheckCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	return CRC16(frame[:n]) == binary.LittleEndian.Uint16(frame[n:])
}

// BuildRequest encodes one of the three fixed-size requests.
func BuildRequest(slave, fn byte, addr, value uint16) []byte {
	req := make([]byte, 6, requestLen)
	req[0] = slave
	req[1] = fn
	binary.BigEndian.PutUint16(req[2:4], addr)
	binary.BigEndian.PutUint16(req[4:6], value)
	return AppendCRC(req)
}

// ExceptionError is a slave-reported exception response.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02X (%s) for function 0x%02X",
		e.Code, ExceptionName(e.Code), e.Function)
}

// ExceptionName returns the standard name of an exception code.
func ExceptionName(code byte) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "slave device failure"
	case 0x05:
		return "acknowledge"
	case 0x06:
		return "slave device busy"
	case 0x08:
		return "memory parity error"
	case 0x0A:
		return "gateway path unavailable"
	case 0x0B:
		return "gateway target failed to respond"
	}
	return "unknown"
}
