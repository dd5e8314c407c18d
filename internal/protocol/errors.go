package protocol

import "github.com/streamspace/relaycore/internal/apperr"

// NackFrame converts an AppError into an outbound MESSAGE_NACK envelope.
func NackFrame(clientMessageID string, err *apperr.AppError) OutboundFrame {
	return New(OutMessageNack, map[string]interface{}{
		"clientMsgId": clientMessageID,
		"code":        string(err.Code),
		"message":     err.Message,
	})
}

// ErrorFrame converts an AppError into a generic outbound ERROR envelope.
func ErrorFrame(correlationID string, err *apperr.AppError) OutboundFrame {
	f := New(OutError, map[string]interface{}{
		"code":    string(err.Code),
		"message": err.Message,
	})
	f.CorrelationID = correlationID
	return f
}

// MessageErrorFrame converts an AppError into an outbound MESSAGE_ERROR
// envelope, used by the replay engine and lifecycle service.
func MessageErrorFrame(err *apperr.AppError) OutboundFrame {
	return New(OutMessageError, map[string]interface{}{
		"code":    string(err.Code),
		"message": err.Message,
	})
}
