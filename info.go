package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	json "github.com/goccy/go-json"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/polarsignals/ctf-open/pkg/ctf"
	"github.com/polarsignals/ctf-open/pkg/ctfopen"
	"github.com/polarsignals/ctf-open/pkg/logger"
)

type infoCmd struct {
	Path   string `kong:"required,arg,name='path',help='Raw CTF file, CTF archive or object file.',type:'path'"`
	Target string `kong:"help='Object file format to assume, such as elf64-x86-64. Any format is tried by default.'"`
	Output string `kong:"enum='logfmt,json,yaml',help='Report format.',default='logfmt'"`
}

func (c *infoCmd) Run(rc *runContext) error {
	a, err := ctfopen.Open(c.Path, c.Target)
	if err != nil {
		return fmt.Errorf("failed to open CTF: %w", err)
	}
	defer a.Close()

	r, err := newReport(c.Path, a)
	if err != nil {
		return err
	}
	return writeReport(os.Stdout, r, c.Output)
}

type report struct {
	Path   string       `json:"path" yaml:"path"`
	Kind   string       `json:"kind" yaml:"kind"`
	Source string       `json:"source" yaml:"source"`
	Symtab *tableReport `json:"symtab,omitempty" yaml:"symtab,omitempty"`
	Strtab *tableReport `json:"strtab,omitempty" yaml:"strtab,omitempty"`
	// Sections lists the sections of an object file input.
	Sections []string       `json:"sections,omitempty" yaml:"sections,omitempty"`
	Members  []memberReport `json:"members" yaml:"members"`
}

type tableReport struct {
	Name string `json:"name" yaml:"name"`
	Size uint64 `json:"size" yaml:"size"`
}

type memberReport struct {
	Name        string `json:"name" yaml:"name"`
	Version     uint8  `json:"version" yaml:"version"`
	VersionName string `json:"version_name" yaml:"version_name"`
	Flags       uint8  `json:"flags" yaml:"flags"`
	Compressed  bool   `json:"compressed" yaml:"compressed"`
	Parent      string `json:"parent,omitempty" yaml:"parent,omitempty"`
	CU          string `json:"cu,omitempty" yaml:"cu,omitempty"`
	BodySize    uint64 `json:"body_size" yaml:"body_size"`
	Symbols     int    `json:"symbols" yaml:"symbols"`
	BLAKE3      string `json:"blake3" yaml:"blake3"`
}

func newReport(path string, a *ctfopen.Archive) (*report, error) {
	r := &report{
		Path:   path,
		Kind:   "container",
		Source: "raw",
	}
	if a.IsArchive() {
		r.Kind = "archive"
	}
	if obj := a.Object(); obj != nil {
		r.Source = string(obj.Format())
		for _, s := range obj.Sections() {
			if s.Name != "" {
				r.Sections = append(r.Sections, s.Name)
			}
		}
	}
	if s := a.SymbolSection(); s != nil {
		r.Symtab = &tableReport{Name: s.Name, Size: s.Size}
	}
	if s := a.StringSection(); s != nil {
		r.Strtab = &tableReport{Name: s.Name, Size: s.Size}
	}

	for _, name := range a.Members() {
		c, err := a.OpenMember(name)
		if err != nil {
			return nil, fmt.Errorf("failed to open member %s: %w", name, err)
		}
		h := c.Header()
		sum := blake3.Sum256(c.Body())
		r.Members = append(r.Members, memberReport{
			Name:        name,
			Version:     h.Version,
			VersionName: ctf.VersionName(h.Version),
			Flags:       h.Flags,
			Compressed:  h.Compressed(),
			Parent:      c.ParentName(),
			CU:          c.CUName(),
			BodySize:    h.BodySize(),
			Symbols:     c.NumSymbols(),
			BLAKE3:      hex.EncodeToString(sum[:]),
		})
		if err := c.Close(); err != nil {
			return nil, fmt.Errorf("failed to close member %s: %w", name, err)
		}
	}
	return r, nil
}

func writeReport(w io.Writer, r *report, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		return enc.Close()
	case logger.LogFormatLogfmt, "":
		l := log.NewLogfmtLogger(w)
		kv := []interface{}{"path", r.Path, "kind", r.Kind, "source", r.Source, "members", len(r.Members)}
		if len(r.Sections) > 0 {
			kv = append(kv, "sections", strings.Join(r.Sections, ","))
		}
		if r.Symtab != nil {
			kv = append(kv, "symtab", r.Symtab.Name, "symtab_size", r.Symtab.Size)
		}
		if r.Strtab != nil {
			kv = append(kv, "strtab", r.Strtab.Name, "strtab_size", r.Strtab.Size)
		}
		if err := l.Log(kv...); err != nil {
			return err
		}
		for _, m := range r.Members {
			if err := l.Log(
				"member", m.Name,
				"version", m.VersionName,
				"flags", m.Flags,
				"compressed", m.Compressed,
				"parent", m.Parent,
				"cu", m.CU,
				"body_size", m.BodySize,
				"symbols", m.Symbols,
				"blake3", m.BLAKE3,
			); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
