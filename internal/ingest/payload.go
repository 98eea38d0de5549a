package ingest

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// envelope is the upstream event wrapper; the domain payload sits at
// detail.body.
type envelope struct {
	Detail struct {
		Body json.RawMessage `json:"body"`
	} `json:"detail"`
}

// decodePayload unwraps one message value. Producers may gzip large payloads,
// so a value that does not parse as JSON is decompressed and parsed again.
// The returned bytes are the inner body when the envelope is present, the
// raw document otherwise.
func decodePayload(value []byte) ([]byte, error) {
	doc := value
	if !json.Valid(doc) {
		r, err := gzip.NewReader(bytes.NewReader(value))
		if err != nil {
			return nil, fmt.Errorf("payload is neither JSON nor gzip: %w", err)
		}
		doc, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		if !json.Valid(doc) {
			return nil, fmt.Errorf("decompressed payload is not JSON")
		}
	}
	var env envelope
	if err := json.Unmarshal(doc, &env); err == nil && len(env.Detail.Body) > 0 {
		return env.Detail.Body, nil
	}
	return doc, nil
}
