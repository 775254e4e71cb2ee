package brokerclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractMAC(t *testing.T) {
	assert.Equal(t, "AA:BB:CC", extractMAC("fossibot/AA:BB:CC/command"))
	assert.Equal(t, "", extractMAC("fossibot/command"))
	assert.Equal(t, "", extractMAC("other/AA:BB:CC/command"))
	assert.Equal(t, "", extractMAC("fossibot/AA:BB:CC/state"))
}
