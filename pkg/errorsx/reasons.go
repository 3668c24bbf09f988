package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonTransportConnect          ReasonCode = "transport_connect"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportRead             ReasonCode = "transport_read"
	ReasonTransportClosed           ReasonCode = "transport_closed"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonMalformedMessage          ReasonCode = "malformed_message"

	ReasonDeviceOpen  ReasonCode = "device_open"
	ReasonDeviceWrite ReasonCode = "device_write"
	ReasonDeviceRead  ReasonCode = "device_read"

	ReasonToolFailed    ReasonCode = "tool_failed"
	ReasonToolTimeout   ReasonCode = "tool_timeout"
	ReasonToolNotFound  ReasonCode = "tool_not_found"
	ReasonToolRateLimit ReasonCode = "tool_rate_limit"

	ReasonConfigInvalid ReasonCode = "config_invalid"
)

// IsDevice reports whether reason belongs to the device taxonomy, which is
// fatal to the session.
func IsDevice(reason ReasonCode) bool {
	switch reason {
	case ReasonDeviceOpen, ReasonDeviceWrite, ReasonDeviceRead:
		return true
	default:
		return false
	}
}
