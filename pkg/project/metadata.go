package project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Metadata is the outcome of a successful adoption.
type Metadata struct {
	// Hash fingerprints the processed configuration and keys the viewables.
	Hash string `json:"hash"`
	// TLA is the top-level assembly the package was processed with.
	TLA string `json:"tla"`
}

const metadataSchemaURL = "https://projsync.schemas.local/project/metadata.schema.json"

const metadataSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["hash"],
  "properties": {
    "hash": {"type": "string", "pattern": "^[A-Za-z0-9_]+$"},
    "tla":  {"type": "string"}
  }
}`

var metadataSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(metadataSchemaURL, strings.NewReader(metadataSchemaJSON)); err != nil {
		return nil, fmt.Errorf("metadata schema load failed: %w", err)
	}
	return c.Compile(metadataSchemaURL)
})

// DecodeMetadata parses and validates a metadata document.
func DecodeMetadata(data []byte) (*Metadata, error) {
	schema, err := metadataSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}

// EncodeMetadata renders m as it is stored locally and remotely.
func EncodeMetadata(m *Metadata) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
