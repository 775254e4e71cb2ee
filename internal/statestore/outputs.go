package statestore

// Outputs is the decoded state of register 41's four output bits.
type Outputs struct {
	USB bool
	AC  bool
	DC  bool
	LED bool
}

// DecodeOutputs applies the fixed bitmasks to a raw register-41 value.
// USB and DC share bit 7, so reg41 alone cannot be reduced to "a bit per
// output" — it must always be tested mask-by-mask, never bit-by-bit.
func DecodeOutputs(reg41 uint16) Outputs {
	v := uint32(reg41)
	return Outputs{
		USB: v&maskUSB != 0,
		AC:  v&maskAC != 0,
		DC:  v&maskDC != 0,
		LED: v&maskLED != 0,
	}
}
