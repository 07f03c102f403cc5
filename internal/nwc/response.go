package nwc

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"
)

// Result is the wallet's verdict on the outstanding payment request.
type Result struct {
	Succeeded bool
	Preimage  string
	Code      string
	Message   string
}

type walletResponse struct {
	ResultType string `json:"result_type"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Result *struct {
		Preimage string `json:"preimage"`
	} `json:"result,omitempty"`
}

// Interpreter matches response events from the relay stream against the one
// outstanding request and classifies the first authoritative one.
type Interpreter struct {
	keys           *Keys
	servicePubkey  string
	subscriptionID string
	requestEventID string
	done           bool
}

func NewInterpreter(keys *Keys, servicePubkey, subscriptionID, requestEventID string) *Interpreter {
	return &Interpreter{
		keys:           keys,
		servicePubkey:  servicePubkey,
		subscriptionID: subscriptionID,
		requestEventID: requestEventID,
	}
}

// Classify inspects one relay event. The second return value is false while
// the event does not settle the payment: wrong subscription, wrong author,
// undecryptable or unparseable content are all ignored so the stream keeps
// running until the real response arrives. The first classifying event wins;
// everything after it is dropped.
func (it *Interpreter) Classify(subscriptionID string, ev nostr.Event) (*Result, bool) {
	if it.done {
		return nil, false
	}
	if subscriptionID != it.subscriptionID {
		log.Debugf("[Interpreter] ignoring event on foreign subscription %s", subscriptionID)
		return nil, false
	}
	if ev.PubKey != it.servicePubkey {
		log.Debugf("[Interpreter] ignoring event from %s, not the wallet service", ev.PubKey)
		return nil, false
	}
	// responses reference the request in an e tag; if present it must match
	if tag := ev.Tags.GetFirst([]string{"e"}); tag != nil && len(*tag) > 1 && (*tag)[1] != it.requestEventID {
		log.Debugf("[Interpreter] ignoring response for request %s", (*tag)[1])
		return nil, false
	}

	plaintext, err := it.keys.Decrypt(ev.Content)
	if err != nil {
		log.Debugf("[Interpreter] could not decrypt event %s: %v", ev.ID, err)
		return nil, false
	}

	var response walletResponse
	if err := json.Unmarshal([]byte(plaintext), &response); err != nil {
		log.Debugf("[Interpreter] could not parse response payload: %v", err)
		return nil, false
	}
	if response.ResultType != "" && response.ResultType != "pay_invoice" {
		log.Debugf("[Interpreter] ignoring result type %q", response.ResultType)
		return nil, false
	}

	if response.Error != nil {
		it.done = true
		return &Result{
			Succeeded: false,
			Code:      response.Error.Code,
			Message:   response.Error.Message,
		}, true
	}
	if response.Result != nil && response.Result.Preimage != "" {
		it.done = true
		return &Result{
			Succeeded: true,
			Preimage:  response.Result.Preimage,
		}, true
	}

	log.Debugf("[Interpreter] response carried neither error nor preimage, ignoring")
	return nil, false
}
