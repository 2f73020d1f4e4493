package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format identifies a collection file encoding.
type Format string

// Supported formats.
const (
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
	FormatJSONC Format = "jsonc"
)

// FormatFromPath picks a format from a file extension. Unknown extensions
// are read as YAML, which also accepts plain JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".jsonc":
		return FormatJSONC
	default:
		return FormatYAML
	}
}

// LoadFile reads and parses the collection file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading collection file: %w", err)
	}
	f, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a collection file. JSON input is decoded strictly; unknown
// fields are errors.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML, "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
	case FormatJSON, FormatJSONC:
		if format == FormatJSONC {
			data = jsonc.ToJSON(data)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, format)
	}
	return &f, nil
}

// Marshal encodes f in the given format. JSONC is written as plain JSON.
func Marshal(f *File, format Format) ([]byte, error) {
	switch format {
	case FormatYAML, "":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return nil, fmt.Errorf("encoding collection: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encoding collection: %w", err)
		}
		return buf.Bytes(), nil
	case FormatJSON, FormatJSONC:
		out, err := json.MarshalIndent(f, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding collection: %w", err)
		}
		return append(out, '\n'), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, format)
	}
}
