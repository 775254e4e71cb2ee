package bridge

import (
	"fmt"
	"strings"
)

// Cloud-side topics. The bridge publishes framed modbus requests on the
// per-device request topic and receives responses split across three
// topics: /client/04 (command/event responses, authoritative for output
// bits), /client/data (periodic polls, may carry stale output bits) and
// /state (session presence events).
func cloudRequestTopic(mac string) string { return fmt.Sprintf("%s/client/request/data", mac) }

func cloudClient04Topic(mac string) string {
	return fmt.Sprintf("%s/device/response/client/04", mac)
}

func cloudClientDataTopic(mac string) string {
	return fmt.Sprintf("%s/device/response/client/data", mac)
}

func cloudStateTopic(mac string) string { return fmt.Sprintf("%s/device/response/state", mac) }

// responseKind classifies a cloud response topic.
type responseKind int

const (
	responseUnknown responseKind = iota
	responseClient04
	responseClientData
	responseState
)

// parseResponseTopic extracts the device MAC and response kind from one
// of the three cloud response topics.
func parseResponseTopic(topic string) (string, responseKind) {
	const sep = "/device/response/"
	idx := strings.Index(topic, sep)
	if idx <= 0 {
		return "", responseUnknown
	}
	mac := topic[:idx]
	switch topic[idx+len(sep):] {
	case "client/04":
		return mac, responseClient04
	case "client/data":
		return mac, responseClientData
	case "state":
		return mac, responseState
	}
	return "", responseUnknown
}

// Local broker topics published/subscribed against the downstream
// standard MQTT broker.
func localStateTopic(mac string) string        { return fmt.Sprintf("fossibot/%s/state", mac) }
func localAvailabilityTopic(mac string) string { return fmt.Sprintf("fossibot/%s/availability", mac) }
func localCommandTopic(mac string) string      { return fmt.Sprintf("fossibot/%s/command", mac) }

const localBridgeStatusTopic = "fossibot/bridge/status"
