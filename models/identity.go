package models

// IdentityPayload is the minimal data embedded in a generated QR code.
// It never carries medical content; the record itself is always fetched
// from the upstream API using the subject id.
// The wire names match what the upstream system expects to find when a
// code is scanned.
type IdentityPayload struct {
	SubjectID   string `json:"user_id"`
	DisplayName string `json:"full_name"`
}

// Point is a corner of the located code region in frame coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ScannedCode is the transient result of one successful frame decode.
// It is consumed immediately to trigger a record fetch.
type ScannedCode struct {
	RawText string  `json:"raw_text"`
	Region  []Point `json:"region,omitempty"`
}

// ParsedPayload is what the payload parser recovers from scanned raw text,
// either from the strict JSON form or from the line-oriented fallback.
type ParsedPayload struct {
	SubjectID   string
	FullName    string
	DateOfBirth string
}
