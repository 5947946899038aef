package graphstore

import "encoding/json"

// encodeEnvelope/decodeEnvelope serialize the small on-disk envelope
// structs (encodedEntity/encodedRelation) used by BadgerStore. JSON,
// not gob, because Provenance.Metadata is a map[string]interface{} and
// gob requires every concrete value type registered up front; JSON
// round-trips it without that ceremony. Properties themselves go
// through PropertyOptimizer.EncodeProperties/Decode, not this path,
// since they need the sparse/compression switches.
func encodeEnvelope(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decodeEnvelope(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
