package x402

// Version is the module's own semantic version, independent of
// ProtocolVersion (the wire x402Version, defined in types.go).
const Version = "2.0.0"
