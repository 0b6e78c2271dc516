package ir

// Version constants for the wire schema and engine.
const (
	// WireVersion is the Operation/Action JSON schema version.
	WireVersion = "1"

	// EngineVersion is the ofrenda engine version.
	EngineVersion = "0.1.0"
)
