package blocks

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/goccy/go-yaml"
)

// Format selects the manifest export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Encode writes manifests to w in the requested format. A single manifest is
// written as an object, several as a list.
func Encode(w io.Writer, format Format, manifests ...Manifest) error {
	var v any = manifests
	if len(manifests) == 1 {
		v = manifests[0]
	}

	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unsupported manifest format %q", format)
	}
}
