// Package config loads the server file that names services and interfaces.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/danmuck/nodus/internal/faults"
)

// Server is the parsed server file.
type Server struct {
	Name       string
	IPC        IPC
	Log        Log
	Services   map[string]Service   `validate:"dive"`
	Interfaces map[string]Interface `validate:"dive"`
}

// file is the on-disk shape. Interface tables keep their settings inline
// next to the type key.
type file struct {
	Name       string                    `toml:"name" yaml:"name" json:"name"`
	IPC        IPC                       `toml:"ipc" yaml:"ipc" json:"ipc"`
	Log        Log                       `toml:"log" yaml:"log" json:"log"`
	Services   map[string]Service        `toml:"services" yaml:"services" json:"services"`
	Interfaces map[string]map[string]any `toml:"interfaces" yaml:"interfaces" json:"interfaces"`
}

type IPC struct {
	ReadyTimeout    Duration `toml:"ready_timeout" yaml:"ready_timeout" json:"ready_timeout" validate:"gte=0"`
	RequestTimeout  Duration `toml:"request_timeout" yaml:"request_timeout" json:"request_timeout" validate:"gte=0"`
	StopTimeout     Duration `toml:"stop_timeout" yaml:"stop_timeout" json:"stop_timeout" validate:"gte=0"`
	SweepInterval   Duration `toml:"sweep_interval" yaml:"sweep_interval" json:"sweep_interval" validate:"gte=0"`
	MaxMessageBytes int      `toml:"max_message_bytes" yaml:"max_message_bytes" json:"max_message_bytes" validate:"gte=0"`
}

type Log struct {
	Level string `toml:"level" yaml:"level" json:"level" validate:"omitempty,oneof=trace debug info warn warning error disabled off"`
	JSON  bool   `toml:"json" yaml:"json" json:"json"`
}

// Service points at a provider executable and, optionally, its definition.
type Service struct {
	Definition string            `toml:"definition" yaml:"definition" json:"definition"`
	Provider   string            `toml:"provider" yaml:"provider" json:"provider" validate:"required"`
	Args       []string          `toml:"args" yaml:"args" json:"args"`
	Env        map[string]string `toml:"env" yaml:"env" json:"env"`
	Dir        string            `toml:"dir" yaml:"dir" json:"dir"`
}

// Interface is a transport type plus its free-form settings.
type Interface struct {
	Type     string `validate:"required"`
	Settings map[string]any
}

// Duration reads "5s" style strings in every supported format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path, resolves relative service paths against its directory
// and validates the result.
func Load(path string) (Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Server{}, faults.New(faults.FileNotFound, faults.Data{"file": path}, "")
		}
		return Server{}, faults.Wrap(faults.InvalidConfig, faults.Data{"file": path}, err)
	}
	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		if coded := faults.As(err); coded.Data != nil {
			coded.Data["file"] = path
		}
		return Server{}, err
	}
	cfg.Resolve(filepath.Dir(path))
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return cfg, nil
}

// Parse decodes a server file. format is "toml", "yaml" or "json".
func Parse(data []byte, format string) (Server, error) {
	var raw file
	var err error
	switch format {
	case "toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&raw)
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&raw)
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&raw)
	default:
		return Server{}, faults.Errorf(faults.InvalidConfig, faults.Data{"format": format}, "unsupported config format %q", format)
	}
	if err != nil {
		return Server{}, faults.Wrap(faults.InvalidConfig, faults.Data{}, err)
	}

	cfg := Server{Name: raw.Name, IPC: raw.IPC, Log: raw.Log, Services: raw.Services}
	if cfg.Services == nil {
		cfg.Services = map[string]Service{}
	}
	cfg.Interfaces, err = splitInterfaces(raw.Interfaces)
	if err != nil {
		return Server{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// splitInterfaces pulls the type key out of each raw interface table.
func splitInterfaces(raw map[string]map[string]any) (map[string]Interface, error) {
	out := make(map[string]Interface, len(raw))
	for name, table := range raw {
		iface := Interface{Settings: make(map[string]any, len(table))}
		for k, v := range table {
			if k != "type" {
				iface.Settings[k] = v
				continue
			}
			typ, ok := v.(string)
			if !ok {
				return nil, faults.Errorf(faults.InvalidConfig, faults.Data{"interface": name}, "interface type must be a string")
			}
			iface.Type = typ
		}
		out[name] = iface
	}
	return out, nil
}

func (c Server) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return faults.Errorf(faults.InvalidConfig, faults.Data{"field": fe.Namespace()},
				"%s failed %s", fe.Namespace(), fe.Tag())
		}
		return faults.Wrap(faults.InvalidConfig, faults.Data{}, err)
	}
	if err := c.IPCConfig().Validate(); err != nil {
		return faults.Wrap(faults.InvalidConfig, faults.Data{"field": "ipc"}, err)
	}
	return nil
}

// Resolve makes relative definition, provider and dir paths absolute against
// base. Bare provider names are left for PATH lookup.
func (c *Server) Resolve(base string) {
	for name, svc := range c.Services {
		svc.Definition = resolvePath(base, svc.Definition)
		if strings.ContainsRune(svc.Provider, '/') || strings.ContainsRune(svc.Provider, filepath.Separator) {
			svc.Provider = resolvePath(base, svc.Provider)
		}
		svc.Dir = resolvePath(base, svc.Dir)
		c.Services[name] = svc
	}
}

// ServiceNames returns service names sorted; hosts start in this order.
func (c Server) ServiceNames() []string {
	return sortedKeys(c.Services)
}

func (c Server) InterfaceNames() []string {
	return sortedKeys(c.Interfaces)
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "toml"
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
