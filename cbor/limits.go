package cbor

// Limits bounds what the codec will read or write in one frame.
type Limits struct {
	MaxFrame int `cbor:"max_frame" json:"max_frame"`
}

// DefaultMaxFrame is the default frame size limit. Stream data is chunked
// well below this; a frame this large usually means a corrupt length prefix.
const DefaultMaxFrame = 3_670_016

// MaxFrameHardLimit caps MaxFrame no matter what was configured.
const MaxFrameHardLimit = 16 * 1024 * 1024

// DefaultLimits returns the default codec limits.
func DefaultLimits() Limits {
	return Limits{MaxFrame: DefaultMaxFrame}
}
