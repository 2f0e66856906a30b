package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mako10k/vproc/internal/proc"
)

// Format is the encoding of a descriptor source.
type Format int

const (
	FormatYAML Format = iota
	FormatJSONC
)

// FormatForPath picks the format from a file extension. Unknown
// extensions are read as YAML, which also accepts plain JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSONC
	default:
		return FormatYAML
	}
}

// Symbols resolves the entrypoint names used in descriptor sources.
type Symbols map[string]proc.Entrypoint

// entry is the on-disk shape of one descriptor:
//
//	commands:
//	  - name: cat
//	    entrypoint: cat
//	    argspec: "[-n] [file ...]"
//	    files: true
//	  - name: mytool
//	    tool: /home/user/bin/mytool
type entry struct {
	Name        string `yaml:"name" json:"name"`
	Entrypoint  string `yaml:"entrypoint" json:"entrypoint"`
	Tool        string `yaml:"tool" json:"tool"`
	ArgSpec     string `yaml:"argspec" json:"argspec"`
	Files       bool   `yaml:"files" json:"files"`
	Replaceable bool   `yaml:"replaceable" json:"replaceable"`
}

type document struct {
	Commands []entry `yaml:"commands" json:"commands"`
}

// LoadFile bulk-loads the descriptor file at path.
func (r *Registry) LoadFile(path string, symbols Symbols) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	defer f.Close()
	return r.BulkLoad(f, FormatForPath(path), symbols)
}

// BulkLoad parses a descriptor list and registers every entry. The whole
// source is validated before anything is registered, so a malformed source
// changes nothing. Entries that collide with a non-replaceable command are
// skipped and reported together; the remaining entries are still
// registered.
func (r *Registry) BulkLoad(src io.Reader, format Format, symbols Symbols) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}

	doc, err := decode(data, format)
	if err != nil {
		return err
	}

	descriptors := make([]Descriptor, 0, len(doc.Commands))
	for i, e := range doc.Commands {
		d, err := e.descriptor(symbols)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		descriptors = append(descriptors, d)
	}

	var errs []error
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			errs = append(errs, err)
		}
	}
	r.log.Debug().Int("entries", len(descriptors)).Int("rejected", len(errs)).Msg("bulk load finished")
	return errors.Join(errs...)
}

func decode(data []byte, format Format) (document, error) {
	var doc document
	switch format {
	case FormatJSONC:
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return doc, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return doc, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
		}
	default:
		return doc, fmt.Errorf("%w: unknown format %d", ErrMalformedDescriptor, format)
	}
	return doc, nil
}

func (e entry) descriptor(symbols Symbols) (Descriptor, error) {
	d := Descriptor{
		Name:            e.Name,
		Tool:            e.Tool,
		ArgSpec:         e.ArgSpec,
		OperatesOnFiles: e.Files,
		Replaceable:     e.Replaceable,
	}
	if e.Entrypoint != "" {
		fn, ok := symbols[e.Entrypoint]
		if !ok {
			return d, fmt.Errorf("%w: %s: unknown entrypoint %q", ErrMalformedDescriptor, e.Name, e.Entrypoint)
		}
		d.Entrypoint = fn
		d.Symbol = e.Entrypoint
	}
	if e.Tool != "" && !filepath.IsAbs(e.Tool) {
		return d, fmt.Errorf("%w: %s: tool path must be absolute", ErrMalformedDescriptor, e.Name)
	}
	return d, d.validate()
}
