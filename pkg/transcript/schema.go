package transcript

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// Schema returns the JSON schema of transcript files.
func Schema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference:             true,
			RequiredFromJSONSchemaTags: true,
		}
		s := r.Reflect(&Transcript{})
		// gojsonschema only knows drafts up to 7
		s.Version = ""
		schemaJSON, schemaErr = json.MarshalIndent(s, "", "  ")
	})
	return schemaJSON, schemaErr
}

// Validate checks a JSON or YAML transcript document against Schema and
// returns a validation error listing every violation.
func Validate(doc []byte, format Format) error {
	if format == FormatYAML {
		var v interface{}
		if err := yaml.Unmarshal(doc, &v); err != nil {
			return errors.Wrap(err, "decode transcript")
		}
		b, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "convert transcript to json")
		}
		doc = b
	}

	schema, err := Schema()
	if err != nil {
		return err
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.Wrap(err, "validate transcript")
	}
	if result.Valid() {
		return nil
	}
	var descs []string
	for _, desc := range result.Errors() {
		descs = append(descs, desc.String())
	}
	return conversation.NewValidationError("transcript", strings.Join(descs, "; "))
}
