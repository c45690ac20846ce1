// Package commsutil holds the COMMS connection helper, the JSON payload codec and the
// default subjects shared by the broker, the API and the event publisher.
package commsutil

import "strings"

// Default COMMS subjects.
const (
	SubjectAPI           = "peerbroker.api.v1"
	SubjectDeliveryEvent = "peerbroker.delivery"
	SubjectBrokerPrefix  = "peerbroker"
)

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "\t", "_", "*", "_", ">", "_")

// Token makes s safe to use as a single subject token.
func Token(s string) string {
	return tokenReplacer.Replace(s)
}

// BuildDeliverySubject builds the granular delivery event subject for an outcome,
// e.g. "peerbroker.delivery.failed".
func BuildDeliverySubject(base, outcome string) string {
	return base + "." + Token(outcome)
}
