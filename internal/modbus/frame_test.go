package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16KnownVectors(t *testing.T) {
	// slave=0x11, fc=0x03, read 2 regs starting at 0x0004
	req := []byte{0x11, 0x03, 0x00, 0x04, 0x00, 0x02}
	crc := CRC16(req)
	// Standard Modbus CRC for this exact byte sequence.
	assert.Equal(t, uint16(0x5A87), crc)
}

func TestAppendCRCIsHighByteFirst(t *testing.T) {
	frame := AppendCRC([]byte{0x11, 0x03, 0x00, 0x04, 0x00, 0x02})
	require.Len(t, frame, 8)
	crc := CRC16(frame[:6])
	assert.Equal(t, byte(crc>>8), frame[6], "high byte must be written first")
	assert.Equal(t, byte(crc), frame[7])
}

func TestBuildAndParseWriteRoundTrip(t *testing.T) {
	req := BuildWriteRequest(0x0018, 0x0001)
	require.True(t, ValidateCRC(req))

	// Device echoes the write request verbatim.
	reg, val, err := ParseWriteEcho(req)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0018), reg)
	assert.Equal(t, uint16(0x0001), val)
}

func TestParseReadResponseFormA(t *testing.T) {
	// byteCount=4 (two registers), values 100 and 200.
	frame := []byte{SlaveID, FuncReadHoldingRegisters, 0x04, 0x00, 0x64, 0x00, 0xC8}
	frame = AppendCRC(frame)

	regs, present, err := ParseReadResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), regs[0])
	assert.Equal(t, uint16(200), regs[1])
	assert.True(t, present[0])
	assert.True(t, present[1])
	for i := 2; i < RegisterCount; i++ {
		assert.Equal(t, uint16(0), regs[i])
		assert.False(t, present[i], "index %d must not be marked present", i)
	}
}

func TestParseReadResponseFormB(t *testing.T) {
	// start=41, count=1, value=640 (USB+DC bits set).
	frame := []byte{SlaveID, FuncReadHoldingRegisters, 0x00, 0x29, 0x00, 0x01, 0x02, 0x80}
	frame = AppendCRC(frame)

	regs, present, err := ParseReadResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(640), regs[41])
	assert.True(t, present[41])
	assert.Equal(t, uint16(0), regs[0])
	assert.False(t, present[0], "register 0 was not carried by this form B response")
}

func TestParseReadResponseRejectsBadCRC(t *testing.T) {
	frame := []byte{SlaveID, FuncReadHoldingRegisters, 0x02, 0x00, 0x64, 0xFF, 0xFF}
	_, _, err := ParseReadResponse(frame)
	assert.Error(t, err)
}

func TestParseReadResponseRejectsBadByteCount(t *testing.T) {
	frame := []byte{SlaveID, FuncReadHoldingRegisters, 0x05, 0x00, 0x64, 0x00, 0xC8}
	frame = AppendCRC(frame)
	_, _, err := ParseReadResponse(frame)
	assert.Error(t, err)
}

func TestParseReadResponseException(t *testing.T) {
	frame := []byte{SlaveID, FuncReadHoldingRegisters | 0x80, 0x02}
	frame = AppendCRC(frame)
	_, _, err := ParseReadResponse(frame)
	assert.Error(t, err)
}

func FuzzParseReadResponse(f *testing.F) {
	seed := AppendCRC([]byte{SlaveID, FuncReadHoldingRegisters, 0x04, 0x00, 0x64, 0x00, 0xC8})
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte{0x11, 0x03})

	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("ParseReadResponse panicked on %x: %v", data, r)
			}
		}()
		_, _, _ = ParseReadResponse(data)
	})
}
