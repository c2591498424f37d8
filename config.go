// SPDX-License-Identifier: Apache-2.0

package xmlmerge

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
)

//go:embed merge_config.json
var defaultConfiguration []byte

// Format is a serialization format for merge configurations and change reports.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat converts a format name such as "yaml" to a [Format].
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("invalid format %q", name)
	}
}

// FormatFromPath picks a [Format] from a file extension.
func FormatFromPath(path string) (Format, error) {
	extension := strings.ToLower(filepath.Ext(path))
	switch extension {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported file format: %s", extension)
	}
}

// Unmarshal decodes data strictly: unknown fields are rejected.
func (f Format) Unmarshal(data []byte, v any) error {
	switch f {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	case FormatYAML:
		return yaml.UnmarshalWithOptions(data, v, yaml.Strict())
	case FormatTOML:
		md, err := toml.Decode(string(data), v)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, key := range undecoded {
				keys[i] = key.String()
			}
			sort.Strings(keys)
			return fmt.Errorf("unknown fields: %s", strings.Join(keys, ", "))
		}
		return nil
	default:
		return fmt.Errorf("invalid format %q", string(f))
	}
}

// Marshal encodes v in the format.
func (f Format) Marshal(v any) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.MarshalIndent(v, "", "  ")
	case FormatYAML:
		return yaml.Marshal(v)
	case FormatTOML:
		return toml.Marshal(v)
	default:
		return nil, fmt.Errorf("invalid format %q", string(f))
	}
}

// ParseConfiguration decodes and validates a merge configuration.
//
// The document maps mode names to element rules:
//
//	{
//	  "profiles": {
//	    "fieldPermissions": {"uniqueKeys": ["field"], "equalKeys": ["editable", "readable"]},
//	    "layoutAssignments": {"exclusiveUniqueKeys": [["recordType"], ["layout"]]},
//	    "userLicense": {}
//	  }
//	}
func ParseConfiguration(data []byte, format Format) (Configuration, error) {
	var raw rawConfiguration
	if err := format.Unmarshal(data, &raw); err != nil {
		return nil, &MarshalError{Err: err, Source: string(format)}
	}
	return buildConfiguration(raw)
}

// LoadConfiguration reads a merge configuration file. The format is picked from the file
// extension.
func LoadConfiguration(path string) (Configuration, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, &MarshalError{Err: err, Source: path}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &InputNotFoundError{Path: path, Role: "configuration"}
		}
		return nil, err
	}
	var raw rawConfiguration
	if err := format.Unmarshal(data, &raw); err != nil {
		return nil, &MarshalError{Err: err, Source: path}
	}
	return buildConfiguration(raw)
}

// DefaultConfiguration returns the built-in configuration covering Salesforce profiles,
// permission sets and custom objects.
func DefaultConfiguration() Configuration {
	cfg, err := ParseConfiguration(defaultConfiguration, FormatJSON)
	if err != nil {
		panic(fmt.Sprintf("xmlmerge: invalid built-in configuration: %v", err))
	}
	return cfg
}
