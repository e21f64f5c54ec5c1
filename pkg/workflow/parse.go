package workflow

import (
	"encoding/json"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/taskmill/taskmill/pkg/models"
)

// ParseJSON validates a JSON workflow document against the schema and
// decodes it. Structural problems surface here; semantic ones (unknown
// transition targets, unmediated cycles) surface in Compile.
func ParseJSON(doc []byte) (*Spec, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	var spec Spec
	if err := json.Unmarshal(doc, &spec); err != nil {
		return nil, errors.Wrap(err, "failed to decode workflow document")
	}
	return &spec, nil
}

// ParseYAML decodes a YAML workflow document by normalizing it to JSON
// first, so both formats share one schema and one set of decode rules.
func ParseYAML(doc []byte) (*Spec, error) {
	normalized, err := YAMLToJSON(doc)
	if err != nil {
		return nil, err
	}
	return ParseJSON(normalized)
}

// Parse decodes a document in either format, trying JSON first.
func Parse(doc []byte) (*Spec, error) {
	if looksLikeJSON(doc) {
		return ParseJSON(doc)
	}
	return ParseYAML(doc)
}

// YAMLToJSON re-encodes a YAML document as JSON.
func YAMLToJSON(doc []byte) ([]byte, error) {
	var raw interface{}
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode workflow document")
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to normalize workflow document")
	}
	return normalized, nil
}

func looksLikeJSON(doc []byte) bool {
	for _, b := range doc {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

// Register parses, compiles, and canonicalizes a document for storage.
// The returned bytes are the JSON form persisted with the definition,
// so stored documents replay through one decode path regardless of the
// submitted format.
func Register(doc []byte) (*Spec, *CompiledGraph, []byte, error) {
	var canonical []byte
	if looksLikeJSON(doc) {
		canonical = doc
	} else {
		normalized, err := YAMLToJSON(doc)
		if err != nil {
			return nil, nil, nil, models.NewDefinitionError("", "", "%v", err)
		}
		canonical = normalized
	}
	spec, err := ParseJSON(canonical)
	if err != nil {
		return nil, nil, nil, models.NewDefinitionError("", "", "%v", err)
	}
	graph, err := Compile(spec)
	if err != nil {
		return nil, nil, nil, err
	}
	return spec, graph, canonical, nil
}
