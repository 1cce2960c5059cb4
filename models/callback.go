package models

import "encoding/json"

// HTTPCallback is the one callback flavour Chronos issues on a pop.
type HTTPCallback struct {
	URI    string `json:"uri"`
	Opaque string `json:"opaque"`
}

// CallbackSpec is the decoded form of Timer.Callback. The raw bytes are
// preserved on the wire; this is only used at pop time.
type CallbackSpec struct {
	HTTP *HTTPCallback `json:"http"`
}

// ParseCallback decodes the opaque callback bytes. ok is false when the
// bytes do not describe an HTTP callback.
func ParseCallback(raw json.RawMessage) (CallbackSpec, bool) {
	var spec CallbackSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return CallbackSpec{}, false
	}
	if spec.HTTP == nil || spec.HTTP.URI == "" {
		return CallbackSpec{}, false
	}
	return spec, true
}
