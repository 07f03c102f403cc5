package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Filter is the subscription filter sent in a REQ frame. Field names follow
// NIP-01 wire format, including the #p tag filter.
type Filter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	Since   int64    `json:"since,omitempty"`
}

// Message is one decoded relay frame. The interface is sealed so that the
// dispatch switch in the session stays exhaustive: a new frame kind cannot
// be added without teaching every consumer about it.
type Message interface {
	relayMessage()
}

type Notice struct {
	Text string
}

type EndOfStoredEvents struct {
	SubscriptionID string
}

type OK struct {
	EventID  string
	Accepted bool
	Reason   string
}

type Event struct {
	SubscriptionID string
	Event          nostr.Event
}

type Empty struct{}

func (Notice) relayMessage()            {}
func (EndOfStoredEvents) relayMessage() {}
func (OK) relayMessage()                {}
func (Event) relayMessage()             {}
func (Empty) relayMessage()             {}

// ParseMessage decodes a single inbound relay frame into its Message
// variant. Unknown labels and malformed frames return an error; the caller
// skips them without tearing down the stream.
func ParseMessage(data []byte) (Message, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("frame is not a json array: %v", err)
	}
	if len(frame) == 0 {
		return Empty{}, nil
	}

	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return nil, fmt.Errorf("frame label is not a string: %v", err)
	}

	switch label {
	case "NOTICE":
		if len(frame) < 2 {
			return nil, fmt.Errorf("NOTICE frame too short")
		}
		var text string
		if err := json.Unmarshal(frame[1], &text); err != nil {
			return nil, err
		}
		return Notice{Text: text}, nil

	case "EOSE":
		if len(frame) < 2 {
			return nil, fmt.Errorf("EOSE frame too short")
		}
		var sub string
		if err := json.Unmarshal(frame[1], &sub); err != nil {
			return nil, err
		}
		return EndOfStoredEvents{SubscriptionID: sub}, nil

	case "OK":
		if len(frame) < 3 {
			return nil, fmt.Errorf("OK frame too short")
		}
		var msg OK
		if err := json.Unmarshal(frame[1], &msg.EventID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(frame[2], &msg.Accepted); err != nil {
			return nil, err
		}
		if len(frame) > 3 {
			if err := json.Unmarshal(frame[3], &msg.Reason); err != nil {
				return nil, err
			}
		}
		return msg, nil

	case "EVENT":
		if len(frame) < 3 {
			return nil, fmt.Errorf("EVENT frame too short")
		}
		var msg Event
		if err := json.Unmarshal(frame[1], &msg.SubscriptionID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(frame[2], &msg.Event); err != nil {
			return nil, fmt.Errorf("could not parse event: %v", err)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("unknown frame label %q", label)
	}
}
