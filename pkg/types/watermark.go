package types

// Watermark bounds the retained, next-assignable and transactionally-visible
// offsets of a topition. Low <= Stable <= High always holds.
type Watermark struct {
	Low    uint64 `json:"low"`
	High   uint64 `json:"high"`
	Stable uint64 `json:"stable"`
}
