package status

import "strings"

// Decline is the operator-facing reading of an acquirer decline code.
type Decline struct {
	Reason string `json:"reason"`
	Action string `json:"action"`
}

var declines = map[string]Decline{
	"51": {Reason: "insufficient funds", Action: "retry with a different card"},
	"05": {Reason: "do not honor", Action: "retry or contact the issuing bank"},
	"54": {Reason: "card expired", Action: "update the expiry date"},
}

// DiagnoseDecline maps ISO 8583 response codes seen on declines. Codes
// without a specific reading fall back to a generic issuer decline.
func DiagnoseDecline(code string) Decline {
	code = strings.TrimSpace(code)
	if d, ok := declines[code]; ok {
		return d
	}
	if code == "" {
		return Decline{Reason: "declined by issuer", Action: "contact the issuer"}
	}
	return Decline{Reason: "declined by issuer (code " + code + ")", Action: "contact the issuer"}
}
