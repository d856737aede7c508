package yaml

import (
	"errors"
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

const (
	FileTypeModelState = "model_state"
	FileTypeWorkflow   = "workflow_definition"
)

var knownFileTypes = map[string]bool{
	FileTypeModelState: true,
	FileTypeWorkflow:   true,
}

// ErrNewerSchema marks a document written by a newer autopilot. Such files are
// intact and must not be quarantined.
var ErrNewerSchema = errors.New("written by a newer schema version")

// Header opens every versioned document. Embed it inline.
type Header struct {
	SchemaVersion int    `json:"schema_version" yaml:"schema_version"`
	FileType      string `json:"file_type" yaml:"file_type"`
}

// NewHeader stamps a document of fileType with the current schema version.
func NewHeader(fileType string) Header {
	return Header{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

// CheckHeader parses the header of content and verifies it. An empty want
// accepts any known file type.
func CheckHeader(content []byte, want string) (Header, error) {
	var h Header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return h, fmt.Errorf("parse header: %w", err)
	}
	return h, h.Check(want)
}

func (h Header) Check(want string) error {
	switch {
	case h.SchemaVersion < 1:
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", h.SchemaVersion)
	case h.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("schema_version %d (max supported %d): %w", h.SchemaVersion, CurrentSchemaVersion, ErrNewerSchema)
	case h.FileType == "":
		return fmt.Errorf("missing file_type")
	case !knownFileTypes[h.FileType]:
		return fmt.Errorf("unknown file_type %q", h.FileType)
	case want != "" && h.FileType != want:
		return fmt.Errorf("file_type is %q, expected %q", h.FileType, want)
	}
	return nil
}
