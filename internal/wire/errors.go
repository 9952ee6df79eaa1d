package wire

import "errors"

var (
	ErrMalformedPayload = errors.New("wire: malformed payload")
	ErrUnknownFlag      = errors.New("wire: unknown flag")
	ErrAssetCount       = errors.New("wire: asset count does not match flag")
	ErrInvalidAmount    = errors.New("wire: amount out of uint256 range")
)
