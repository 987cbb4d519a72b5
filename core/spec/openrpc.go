package spec

import (
	"fmt"
	"os"
)

// Parameter structures an OpenRPC method may accept.
const (
	ByName     = "by-name"
	ByPosition = "by-position"
	Either     = "either"
)

// OpenRPC is the subset of an OpenRPC document the RPC receiver compiles.
type OpenRPC struct {
	OpenRPC string      `json:"openrpc"`
	Servers []URLServer `json:"servers,omitempty"`
	Methods []Method    `json:"methods"`
}

// Method is one JSON-RPC method.
type Method struct {
	Name           string              `json:"name"`
	Summary        string              `json:"summary,omitempty"`
	ParamStructure string              `json:"paramStructure,omitempty"`
	Params         []ContentDescriptor `json:"params"`
	Result         *ContentDescriptor  `json:"result,omitempty"`
	Servers        []URLServer         `json:"servers,omitempty"`
}

// ContentDescriptor names and types a parameter or result.
type ContentDescriptor struct {
	Name     string         `json:"name"`
	Required bool           `json:"required,omitempty"`
	Schema   map[string]any `json:"schema,omitempty"`
}

// LoadOpenRPC reads and decodes an OpenRPC document.
func LoadOpenRPC(path string) (*OpenRPC, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	return ParseOpenRPC(data)
}

// ParseOpenRPC decodes an OpenRPC document from YAML or JSON bytes.
func ParseOpenRPC(data []byte) (*OpenRPC, error) {
	root, err := Parse(data)
	if err != nil {
		return nil, err
	}
	var doc OpenRPC
	if err := decode(root, &doc); err != nil {
		return nil, err
	}
	for i := range doc.Methods {
		if doc.Methods[i].ParamStructure == "" {
			doc.Methods[i].ParamStructure = Either
		}
	}
	return &doc, nil
}
