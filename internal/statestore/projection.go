package statestore

import "time"

// State is the canonical JSON document published to fossibot/{mac}/state.
type State struct {
	MAC   string `json:"mac"`
	Model string `json:"model"`

	StateOfCharge int `json:"soc"`

	InputWatts   int `json:"inputWatts"`
	OutputWatts  int `json:"outputWatts"`
	DCInputWatts int `json:"dcInputWatts"`

	USBOutput bool `json:"usbOutput"`
	ACOutput  bool `json:"acOutput"`
	DCOutput  bool `json:"dcOutput"`
	LEDOutput bool `json:"ledOutput"`

	MaxChargingCurrent   int  `json:"maxChargingCurrent"`
	DischargeLowerLimit  int  `json:"dischargeLowerLimit"`
	ACChargingUpperLimit int  `json:"acChargingUpperLimit"`
	ACSilentCharging     bool `json:"acSilentCharging"`

	USBStandbyTime  int `json:"usbStandbyTime"`
	ACStandbyTime   int `json:"acStandbyTime"`
	DCStandbyTime   int `json:"dcStandbyTime"`
	ScreenRestTime  int `json:"screenRestTime"`
	ACChargingTimer int `json:"acChargingTimer"`
	SleepTime       int `json:"sleepTime"`

	Timestamp string `json:"timestamp"`
}

// Project converts a DeviceSnapshot into its canonical JSON-ready state.
// SoC and the two percentage-style limit registers are stored on the
// wire at 10x their real value and are scaled down here. The timestamp
// reflects the most recent applied update; now is only used for a
// snapshot that has never seen one.
func Project(snap DeviceSnapshot, now time.Time) State {
	outputs := DecodeOutputs(snap.Regs[RegOutputBitfield])

	ts := snap.LastFullUpdate
	if ts.IsZero() {
		ts = now
	}

	return State{
		MAC:   snap.MAC,
		Model: snap.Model,

		StateOfCharge: int(snap.Regs[RegStateOfCharge]) / 10,

		InputWatts:   int(snap.Regs[RegTotalInputPower]),
		OutputWatts:  int(snap.Regs[RegTotalOutputPower]),
		DCInputWatts: int(snap.Regs[RegDCInputPower]),

		USBOutput: outputs.USB,
		ACOutput:  outputs.AC,
		DCOutput:  outputs.DC,
		LEDOutput: outputs.LED,

		MaxChargingCurrent:   int(snap.Regs[RegMaxChargingCurrent]),
		DischargeLowerLimit:  int(snap.Regs[RegDischargeLowerLimit]) / 10,
		ACChargingUpperLimit: int(snap.Regs[RegACChargingUpperLimit]) / 10,
		ACSilentCharging:     snap.Regs[RegACSilentCharging] != 0,

		USBStandbyTime:  int(snap.Regs[RegUSBStandbyTime]),
		ACStandbyTime:   int(snap.Regs[RegACStandbyTime]),
		DCStandbyTime:   int(snap.Regs[RegDCStandbyTime]),
		ScreenRestTime:  int(snap.Regs[RegScreenRestTime]),
		ACChargingTimer: int(snap.Regs[RegACChargingTimer]),
		SleepTime:       int(snap.Regs[RegSleepTime]),

		Timestamp: ts.UTC().Format("2006-01-02T15:04:05Z"),
	}
}
