package processor

import (
	"errors"

	"bitmexflow/models"
)

var (
	// ErrUnrecognizedField means a mapping resolved a key to a role the
	// normalizer does not handle. Instrument.Validate rejects such mappings at
	// startup.
	ErrUnrecognizedField = models.ErrUnrecognizedField
	// ErrInvalidTradeSide is a textual side other than buy or sell.
	ErrInvalidTradeSide = errors.New("invalid trade side")
	// ErrUnexpectedTradeSideValue is a numeric side code other than 1 or 2.
	ErrUnexpectedTradeSideValue = errors.New("unexpected trade side value")
	// ErrMalformedEnvelope is a frame that is not a JSON object.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrMalformedValue is a field that cannot be coerced to its canonical type.
	ErrMalformedValue = errors.New("malformed value")
)

// errorKind is the metrics label for a normalization failure.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTradeSide):
		return "invalid_trade_side"
	case errors.Is(err, ErrUnexpectedTradeSideValue):
		return "unexpected_trade_side_value"
	case errors.Is(err, ErrUnrecognizedField):
		return "unrecognized_field"
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, ErrMalformedValue):
		return "malformed_value"
	default:
		return "other"
	}
}
