// Package definition loads service definition files: the declared name,
// version and command surface of a service.
package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/danmuck/nodus/internal/faults"
)

type Parameter struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Required    bool   `json:"required,omitempty" yaml:"required" toml:"required"`
	Description string `json:"description,omitempty" yaml:"description" toml:"description"`
}

type Command struct {
	Description string      `json:"description,omitempty" yaml:"description" toml:"description"`
	Parameters  []Parameter `json:"parameters,omitempty" yaml:"parameters" toml:"parameters"`
}

// Definition describes a service and its commands.
type Definition struct {
	Name        string             `json:"name" yaml:"name" toml:"name"`
	Description string             `json:"description,omitempty" yaml:"description" toml:"description"`
	Version     string             `json:"version,omitempty" yaml:"version" toml:"version"`
	Commands    map[string]Command `json:"commands" yaml:"commands" toml:"commands"`
}

// Load reads and validates a definition file. The format follows the file
// extension: .json, .yaml/.yml or .toml.
func Load(path string) (*Definition, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, faults.New(faults.FileNotFound, faults.Data{"file": abs}, "")
		}
		return nil, faults.Wrap(faults.InvalidDefinition, faults.Data{"file": abs}, err)
	}
	def, err := Parse(data, filepath.Ext(abs))
	if err != nil {
		var coded *faults.Error
		if errors.As(err, &coded) {
			if coded.Data == nil {
				coded.Data = faults.Data{}
			}
			coded.Data["file"] = abs
		}
		return nil, err
	}
	return def, nil
}

// Parse decodes a definition in the given format (an extension such as
// ".toml" or a bare name such as "yaml"). Unknown keys are rejected.
func Parse(data []byte, format string) (*Definition, error) {
	var def Definition
	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, faults.Wrap(faults.InvalidDefinition, nil, err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, faults.Wrap(faults.InvalidDefinition, nil, err)
		}
	case "toml":
		meta, err := toml.Decode(string(data), &def)
		if err != nil {
			return nil, faults.Wrap(faults.InvalidDefinition, nil, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, faults.Errorf(faults.InvalidDefinition, faults.Data{"keys": keys}, "unknown keys")
		}
	default:
		return nil, faults.Errorf(faults.InvalidDefinition, faults.Data{"format": format}, "unsupported definition format")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the name and every command's parameter list.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return faults.New(faults.InvalidDefinition, nil, "name is required")
	}
	for name, cmd := range d.Commands {
		if strings.TrimSpace(name) == "" {
			return faults.New(faults.InvalidDefinition, faults.Data{"service": d.Name}, "empty command name")
		}
		seen := make(map[string]struct{}, len(cmd.Parameters))
		for i, p := range cmd.Parameters {
			if strings.TrimSpace(p.Name) == "" {
				return faults.Errorf(faults.InvalidDefinition,
					faults.Data{"service": d.Name, "command": name},
					"parameter[%d] missing name", i)
			}
			if _, dup := seen[p.Name]; dup {
				return faults.Errorf(faults.InvalidDefinition,
					faults.Data{"service": d.Name, "command": name},
					"duplicate parameter %q", p.Name)
			}
			seen[p.Name] = struct{}{}
		}
	}
	return nil
}

// CommandNames returns command names sorted.
func (d *Definition) CommandNames() []string {
	names := make([]string, 0, len(d.Commands))
	for name := range d.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Definition) Lookup(name string) (Command, bool) {
	cmd, ok := d.Commands[name]
	return cmd, ok
}

// RequiredParameters returns the names of the command's required parameters
// in declaration order.
func (c Command) RequiredParameters() []string {
	var out []string
	for _, p := range c.Parameters {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

func (d *Definition) String() string {
	if d.Version == "" {
		return d.Name
	}
	return fmt.Sprintf("%s@%s", d.Name, d.Version)
}
