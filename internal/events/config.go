package events

import (
	"bytes"
	"encoding/json"

	"github.com/kannelcore/bearerbox/internal/blog"
)

// Config holds the connection parameters for the optional NATS event bus
// that bearerbox uses to hand off delivery reports (DLRs) and admission
// notices to external consumers, instead of (or in addition to) the
// dlr-url callback named on an sms record.
type Config struct {
	Address       string `json:"address"`         // e.g. "nats://localhost:4222"
	Username      string `json:"username"`        // optional
	Password      string `json:"password"`        // optional
	CredsFilePath string `json:"creds-file-path"` // optional
	DLRSubject    string `json:"dlr-subject"`      // subject acks are published to, default "bearerbox.dlr"
}

var Keys Config

const ConfigSchema = `{
    "type": "object",
    "description": "Configuration for the optional NATS event bus used for delivery-report hand-off.",
    "properties": {
        "address": {
            "description": "Address of the NATS server (e.g., 'nats://localhost:4222'). Empty disables the event bus.",
            "type": "string"
        },
        "username": { "type": "string" },
        "password": { "type": "string" },
        "creds-file-path": { "type": "string" },
        "dlr-subject": {
            "description": "Subject delivery-report events are published to.",
            "type": "string"
        }
    }
}`

// Init loads the global Keys configuration from the program config's
// "events" section. An absent/empty address leaves the event bus disabled.
func Init(rawConfig json.RawMessage) error {
	Keys = Config{DLRSubject: "bearerbox.dlr"}

	if rawConfig == nil {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(rawConfig))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		blog.Errorf("events: invalid config: %s", err.Error())
		return err
	}
	if Keys.DLRSubject == "" {
		Keys.DLRSubject = "bearerbox.dlr"
	}
	return nil
}
