package modbus

import (
	"fmt"

	goburrow "github.com/goburrow/modbus"
)

// newExceptionError wraps a Modbus exception response (function code with
// the high bit set, plus an exception code byte) using goburrow/modbus's
// exception-code vocabulary, so a caller logging or branching on the
// exception gets the same named codes the wider Go Modbus ecosystem uses
// rather than a bare integer.
func newExceptionError(originalFunction, exceptionCode byte) error {
	modbusErr := &goburrow.ModbusError{
		FunctionCode:  originalFunction,
		ExceptionCode: exceptionCode,
	}
	return fmt.Errorf("modbus: device returned exception for function 0x%02x: %w", originalFunction, modbusErr)
}
