package bridge

import (
	"encoding/json"
	"fmt"

	"fossibot-bridge/internal/statestore"
)

// Command is the JSON payload a local MQTT client publishes to
// fossibot/{mac}/command. Output toggles (usb_on, ac_off, ...) carry no
// value; set_* actions carry the numeric value to write.
type Command struct {
	Action string      `json:"action"`
	Value  json.Number `json:"value"`
}

// writeRequest is the decoded register/value pair a Command resolves to.
type writeRequest struct {
	Register uint16
	Value    uint16
	Settings bool // settings writes need 2s spacing and a delayed refresh
}

// outputActions map the eight on/off toggles to their switch register
// and the value written.
var outputActions = map[string]struct {
	register uint16
	value    uint16
}{
	"usb_on":  {statestore.RegUSBSwitch, 1},
	"usb_off": {statestore.RegUSBSwitch, 0},
	"ac_on":   {statestore.RegACSwitch, 1},
	"ac_off":  {statestore.RegACSwitch, 0},
	"dc_on":   {statestore.RegDCSwitch, 1},
	"dc_off":  {statestore.RegDCSwitch, 0},
	"led_on":  {statestore.RegLEDSwitch, 1},
	"led_off": {statestore.RegLEDSwitch, 0},
}

// settingsActions map the set_* actions to their register, the accepted
// input range, and the wire scaling. The percentage-style limits are
// stored at 10x on the wire.
var settingsActions = map[string]struct {
	register uint16
	min, max int64
	scale    int64
}{
	"set_charging_current":   {statestore.RegMaxChargingCurrent, 1, 20, 1},
	"set_ac_silent_charging": {statestore.RegACSilentCharging, 0, 1, 1},
	"set_usb_standby_time":   {statestore.RegUSBStandbyTime, 0, 0xFFFF, 1},
	"set_ac_standby_time":    {statestore.RegACStandbyTime, 0, 0xFFFF, 1},
	"set_dc_standby_time":    {statestore.RegDCStandbyTime, 0, 0xFFFF, 1},
	"set_screen_rest_time":   {statestore.RegScreenRestTime, 0, 0xFFFF, 1},
	"set_discharge_limit":    {statestore.RegDischargeLowerLimit, 0, 100, 10},
	"set_ac_charging_limit":  {statestore.RegACChargingUpperLimit, 0, 100, 10},
	"set_sleep_time":         {statestore.RegSleepTime, 1, 0xFFFF, 1},
}

// ErrUnsafeSleepTime is returned when a command would write sleep_time
// to 0, which bricks the device. The bridge refuses to send it.
var ErrUnsafeSleepTime = fmt.Errorf("bridge: refusing to set sleep_time to 0")

// resolveCommand decodes a Command into the register write it maps to,
// applying range validation, the wire scaling, and the sleep_time
// safety gate.
func resolveCommand(cmd Command) (writeRequest, error) {
	if out, ok := outputActions[cmd.Action]; ok {
		return writeRequest{Register: out.register, Value: out.value}, nil
	}

	def, ok := settingsActions[cmd.Action]
	if !ok {
		return writeRequest{}, fmt.Errorf("bridge: unknown command action %q", cmd.Action)
	}

	raw, err := cmd.Value.Int64()
	if err != nil {
		return writeRequest{}, fmt.Errorf("bridge: command %q has non-integer value %q: %w", cmd.Action, cmd.Value, err)
	}

	if cmd.Action == "set_sleep_time" && raw == 0 {
		return writeRequest{}, ErrUnsafeSleepTime
	}
	if raw < def.min || raw > def.max {
		return writeRequest{}, fmt.Errorf("bridge: command %q value %d outside range [%d, %d]", cmd.Action, raw, def.min, def.max)
	}

	scaled := raw * def.scale
	if scaled > 0xFFFF {
		return writeRequest{}, fmt.Errorf("bridge: command %q scaled value %d exceeds register range", cmd.Action, scaled)
	}

	return writeRequest{Register: def.register, Value: uint16(scaled), Settings: true}, nil
}
