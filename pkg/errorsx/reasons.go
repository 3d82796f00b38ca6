package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigInvalid ReasonCode = "config_invalid"

	ReasonAgentDial      ReasonCode = "agent_dial"
	ReasonAgentSend      ReasonCode = "agent_send"
	ReasonAgentMalformed ReasonCode = "agent_malformed_event"
	ReasonAgentError     ReasonCode = "agent_error_event"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportMalformed        ReasonCode = "transport_malformed_event"
	ReasonTransportClosed           ReasonCode = "transport_closed"

	ReasonLookupFailed   ReasonCode = "lookup_failed"
	ReasonLookupDropped  ReasonCode = "lookup_dropped"
	ReasonDeliveryFailed ReasonCode = "delivery_failed"
	ReasonCallerResolve  ReasonCode = "caller_resolve"

	ReasonKnowledgeStore ReasonCode = "knowledge_store"
	ReasonTranscriptTap  ReasonCode = "transcript_tap"
)
