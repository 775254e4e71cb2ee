// Package statestore holds the per-device register snapshot, the
// topic-priority reconciliation between the two cloud response topics,
// and the JSON projection published to the local broker.
package statestore

// Register indices actually decoded.
const (
	RegDCInputPower         = 4
	RegTotalInputPower      = 6
	RegMaxChargingCurrent   = 20
	RegTotalOutputPower     = 39
	RegOutputBitfield       = 41
	RegStateOfCharge        = 56
	RegACSilentCharging     = 57
	RegUSBStandbyTime       = 59
	RegACStandbyTime        = 60
	RegDCStandbyTime        = 61
	RegScreenRestTime       = 62
	RegACChargingTimer      = 63
	RegDischargeLowerLimit  = 66
	RegACChargingUpperLimit = 67
	RegSleepTime            = 68

	// Write-only register addresses for output toggles.
	RegUSBSwitch = 24
	RegACSwitch  = 25
	RegDCSwitch  = 26
	RegLEDSwitch = 27
)

// Output bitmasks against register 41 (hardware-verified).
// USB and DC deliberately share bit 7.
const (
	maskUSB = 0x280 // bits 7, 9
	maskAC  = 0x804 // bits 2, 11
	maskDC  = 0x480 // bits 7, 10
	maskLED = 0x1000
)
