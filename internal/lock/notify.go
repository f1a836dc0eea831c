package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidNotification = errors.New("lock: invalid notification")

const lockStateName = "lockState"

// StateChange is one lock's reported state from a pushed notification.
type StateChange struct {
	LockID string
	State  string
}

type deviceStates struct {
	ID     string `json:"id"`
	States []struct {
		Capability string          `json:"capability"`
		Name       string          `json:"name"`
		Value      json.RawMessage `json:"value"`
	} `json:"states"`
}

type notification struct {
	Payload *struct {
		Devices []deviceStates `json:"devices"`
	} `json:"payload"`
}

// ParseNotification reads a U-Tec push notification. It uses the same
// envelope as action responses, with per-device capability states. Devices
// that report no lock state are skipped.
func ParseNotification(body []byte) ([]StateChange, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if n.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidNotification)
	}
	var out []StateChange
	for _, d := range n.Payload.Devices {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			continue
		}
		for _, st := range d.States {
			if st.Name != lockStateName {
				continue
			}
			var value string
			if err := json.Unmarshal(st.Value, &value); err != nil || strings.TrimSpace(value) == "" {
				continue
			}
			out = append(out, StateChange{LockID: id, State: strings.ToLower(strings.TrimSpace(value))})
			break
		}
	}
	return out, nil
}
