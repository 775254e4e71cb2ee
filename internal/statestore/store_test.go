package statestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fossibot-bridge/internal/modbus"
)

func regsWith(reg int, value uint16) ([modbus.RegisterCount]uint16, [modbus.RegisterCount]bool) {
	var regs [modbus.RegisterCount]uint16
	var present [modbus.RegisterCount]bool
	regs[reg] = value
	present[reg] = true
	return regs, present
}

// TestOutputReconciliationHonorsStalenessWindow reproduces the
// three-step sequence a device produces when /client/04 and
// /client/data disagree about the output bits: an authoritative
// /client/04 read, a stale /client/data read that must be ignored, and
// a later /client/data read that arrives after the staleness window
// and is accepted.
func TestOutputReconciliationHonorsStalenessWindow(t *testing.T) {
	store := New()
	t0 := time.Unix(1700000000, 0)

	regs, present := regsWith(RegOutputBitfield, 3716) // usb+ac+dc via shared bit 7
	store.Apply("AA:BB", regs, present, TopicClient04, t0)

	snap, ok := store.Snapshot("AA:BB")
	assert.True(t, ok)
	outputs := DecodeOutputs(snap.Regs[RegOutputBitfield])
	assert.Equal(t, Outputs{USB: true, AC: true, DC: true}, outputs)

	// 10s later, /client/data reports everything off. Within the
	// staleness window, this must be ignored.
	staleRegs, stalePresent := regsWith(RegOutputBitfield, 4097) // led only
	store.Apply("AA:BB", staleRegs, stalePresent, TopicClientData, t0.Add(10*time.Second))

	snap, _ = store.Snapshot("AA:BB")
	outputs = DecodeOutputs(snap.Regs[RegOutputBitfield])
	assert.Equal(t, Outputs{USB: true, AC: true, DC: true}, outputs, "/client/data must not override a fresh /client/04 read")

	// 40s after the original /client/04 read (past the 35s window),
	// /client/data is now allowed to override.
	freshRegs, freshPresent := regsWith(RegOutputBitfield, 4097)
	store.Apply("AA:BB", freshRegs, freshPresent, TopicClientData, t0.Add(40*time.Second))

	snap, _ = store.Snapshot("AA:BB")
	outputs = DecodeOutputs(snap.Regs[RegOutputBitfield])
	assert.Equal(t, Outputs{LED: true}, outputs, "/client/data must be accepted once stale")
}

func TestApplySkipsAbsentRegisters(t *testing.T) {
	store := New()
	now := time.Unix(1700000000, 0)

	regs, present := regsWith(RegStateOfCharge, 755)
	store.Apply("AA:BB", regs, present, TopicClient04, now)

	// A later response that doesn't carry the SoC register must leave
	// the previously known value untouched.
	var emptyRegs [modbus.RegisterCount]uint16
	var emptyPresent [modbus.RegisterCount]bool
	store.Apply("AA:BB", emptyRegs, emptyPresent, TopicClient04, now.Add(time.Second))

	snap, _ := store.Snapshot("AA:BB")
	assert.Equal(t, uint16(755), snap.Regs[RegStateOfCharge])
	assert.True(t, snap.Known[RegStateOfCharge])
}

func TestNonOutputRegistersAlwaysAcceptedFromEitherTopic(t *testing.T) {
	store := New()
	now := time.Unix(1700000000, 0)

	regs, present := regsWith(RegTotalInputPower, 120)
	store.Apply("AA:BB", regs, present, TopicClientData, now)

	snap, ok := store.Snapshot("AA:BB")
	assert.True(t, ok)
	assert.Equal(t, uint16(120), snap.Regs[RegTotalInputPower])
}
