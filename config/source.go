package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/magiconair/properties"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable consulted by EnvSource.
const EnvPrefix = "SANDPIT_"

// Source resolves a single configuration key such as "reaper.image".
type Source interface {
	Lookup(key string) (string, bool)
}

// EnvVar returns the environment variable name for key, e.g. "reaper.image"
// becomes SANDPIT_REAPER_IMAGE.
func EnvVar(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return EnvPrefix + strings.ToUpper(r.Replace(key))
}

// EnvSource reads keys from the process environment.
type EnvSource struct {
	// Getenv defaults to os.LookupEnv.
	Getenv func(string) (string, bool)
}

func (e EnvSource) Lookup(key string) (string, bool) {
	get := e.Getenv
	if get == nil {
		get = os.LookupEnv
	}
	v, ok := get(EnvVar(key))
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// MapSource is a fixed set of key/value pairs, used for defaults and tests.
type MapSource map[string]string

func (m MapSource) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Layered consults each source in order; the first hit wins.
type Layered []Source

func (l Layered) Lookup(key string) (string, bool) {
	for _, s := range l {
		if s == nil {
			continue
		}
		if v, ok := s.Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}

// FileSource holds keys loaded from a properties or YAML file.
type FileSource struct {
	Path   string
	values map[string]string
}

func (f *FileSource) Lookup(key string) (string, bool) {
	if f == nil {
		return "", false
	}
	v, ok := f.values[key]
	return v, ok
}

// Keys returns the loaded keys in sorted order.
func (f *FileSource) Keys() []string {
	out := make([]string, 0, len(f.values))
	for k := range f.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadFile reads a configuration file. Files ending in .yaml or .yml are parsed
// as YAML with nested maps flattened into dotted keys; anything else is read
// as a Java-style properties file.
func LoadFile(path string) (*FileSource, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		values := make(map[string]string)
		flatten("", doc, values)
		return &FileSource{Path: path, values: values}, nil
	default:
		p, err := properties.LoadFile(path, properties.UTF8)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return &FileSource{Path: path, values: p.Map()}, nil
	}
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]any:
			flatten(key, t, out)
		case []any:
			parts := make([]string, 0, len(t))
			for _, item := range t {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(t)
		}
	}
}

// Load assembles the default layered source: environment, then the user file
// (SANDPIT_CONFIG_FILE or ~/.sandpit.properties), then ./sandpit.properties.
// Missing files are skipped; unreadable files are an error.
func Load() (Source, error) {
	layers := Layered{EnvSource{}}
	for _, p := range candidateFiles() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		fs, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		layers = append(layers, fs)
	}
	return layers, nil
}

func candidateFiles() []string {
	var out []string
	if p := os.Getenv(EnvPrefix + "CONFIG_FILE"); p != "" {
		out = append(out, p)
	} else if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".sandpit.properties"))
	}
	out = append(out, "sandpit.properties")
	return out
}
