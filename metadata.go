package flowplug

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// PluginMetadata is the plugin's answer to a metadata call.
type PluginMetadata struct {
	Version string `cbor:"version,omitempty" json:"version,omitempty"`
}

// NewPluginMetadata creates metadata carrying the plugin's own version.
func NewPluginMetadata(version string) PluginMetadata {
	return PluginMetadata{Version: version}
}

// SignatureFlag describes a named flag of a command.
type SignatureFlag struct {
	Long        string `cbor:"long" json:"long"`
	Short       string `cbor:"short,omitempty" json:"short,omitempty"`
	Description string `cbor:"description,omitempty" json:"description,omitempty"`
	TakesValue  bool   `cbor:"takes_value,omitempty" json:"takes_value,omitempty"`
	Required    bool   `cbor:"required,omitempty" json:"required,omitempty"`
}

// SignatureArg describes a positional argument of a command.
type SignatureArg struct {
	Name        string `cbor:"name" json:"name"`
	Description string `cbor:"description,omitempty" json:"description,omitempty"`
	Optional    bool   `cbor:"optional,omitempty" json:"optional,omitempty"`
}

// PluginSignature describes one command the plugin provides, as reported to a
// signature call.
type PluginSignature struct {
	Name             string          `cbor:"name" json:"name"`
	Description      string          `cbor:"description,omitempty" json:"description,omitempty"`
	ExtraDescription string          `cbor:"extra_description,omitempty" json:"extra_description,omitempty"`
	Category         string          `cbor:"category,omitempty" json:"category,omitempty"`
	SearchTerms      []string        `cbor:"search_terms,omitempty" json:"search_terms,omitempty"`
	Required         []SignatureArg  `cbor:"required,omitempty" json:"required,omitempty"`
	Optional         []SignatureArg  `cbor:"optional,omitempty" json:"optional,omitempty"`
	Rest             *SignatureArg   `cbor:"rest,omitempty" json:"rest,omitempty"`
	Flags            []SignatureFlag `cbor:"flags,omitempty" json:"flags,omitempty"`
}

// signatureDocumentSchema validates declarative signature documents: a JSON
// array of signatures, typically shipped alongside the plugin binary.
const signatureDocumentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name"],
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "description": {"type": "string"},
      "extra_description": {"type": "string"},
      "category": {"type": "string"},
      "search_terms": {"type": "array", "items": {"type": "string"}},
      "required": {"$ref": "#/definitions/args"},
      "optional": {"$ref": "#/definitions/args"},
      "rest": {"$ref": "#/definitions/arg"},
      "flags": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["long"],
          "properties": {
            "long": {"type": "string", "minLength": 1},
            "short": {"type": "string", "maxLength": 1},
            "description": {"type": "string"},
            "takes_value": {"type": "boolean"},
            "required": {"type": "boolean"}
          },
          "additionalProperties": false
        }
      }
    },
    "additionalProperties": false
  },
  "definitions": {
    "arg": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "optional": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "args": {"type": "array", "items": {"$ref": "#/definitions/arg"}}
  }
}`

// ValidateSignatureDocument checks a JSON signature document against the
// schema before it is trusted.
func ValidateSignatureDocument(doc []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(signatureDocumentSchema)
	documentLoader := gojsonschema.NewBytesLoader(doc)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate signature document: %w", err)
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("invalid signature document: %s", strings.Join(details, "; "))
	}
	return nil
}

// ParseSignatures validates and decodes a JSON signature document.
func ParseSignatures(doc []byte) ([]PluginSignature, error) {
	if err := ValidateSignatureDocument(doc); err != nil {
		return nil, err
	}
	var sigs []PluginSignature
	if err := json.Unmarshal(doc, &sigs); err != nil {
		return nil, fmt.Errorf("failed to decode signature document: %w", err)
	}
	return sigs, nil
}
