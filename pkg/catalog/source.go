package catalog

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

// Manifest is one undecoded catalog entry.
type Manifest struct {
	// Name is the file name of the manifest, e.g. "okay_nabu.json".
	Name string

	// Dir is the directory model files are resolved against. May be empty.
	Dir string

	Data []byte
}

// ID returns the manifest name without directory or extension.
func (m Manifest) ID() string {
	base := path.Base(filepath.ToSlash(m.Name))
	return strings.TrimSuffix(base, path.Ext(base))
}

// Source enumerates catalog manifests.
type Source interface {
	// Manifests returns every manifest of the catalog. An error means the
	// catalog itself could not be read; per-entry problems are reported by
	// the loader.
	Manifests(ctx context.Context) ([]Manifest, error)
}

// manifestExts are the file extensions [DirSource] picks up.
var manifestExts = []string{".json", ".yaml", ".yml"}

// DirSource reads every *.json, *.yaml and *.yml file in Dir (not recursive).
type DirSource struct {
	// Fs defaults to the OS filesystem when nil.
	Fs  afero.Fs
	Dir string
}

// Manifests implements [Source].
func (s DirSource) Manifests(ctx context.Context) ([]Manifest, error) {
	fs := s.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	infos, err := afero.ReadDir(fs, s.Dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read dir %q: %w", s.Dir, err)
	}

	var out []Manifest
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if info.IsDir() || !slices.Contains(manifestExts, strings.ToLower(filepath.Ext(info.Name()))) {
			continue
		}
		p := filepath.Join(s.Dir, info.Name())
		data, err := afero.ReadFile(fs, p)
		if err != nil {
			return nil, fmt.Errorf("catalog: read manifest %q: %w", p, err)
		}
		out = append(out, Manifest{Name: info.Name(), Dir: s.Dir, Data: data})
	}
	return out, nil
}

// StaticSource serves a fixed list of manifests.
type StaticSource []Manifest

// Manifests implements [Source].
func (s StaticSource) Manifests(context.Context) ([]Manifest, error) {
	return slices.Clone(s), nil
}
