package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chatd/internal/common/fsutil"
	"chatd/pkg/types"
)

// Scanner discovers models in a directory.
type Scanner interface {
	Scan(dir string) ([]types.Model, error)
}

// GGUFScanner scans a flat directory for *.gguf files.
type GGUFScanner struct{}

// NewGGUFScanner returns the default on-disk scanner.
func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

// Scan builds a registry from filenames. ID is the full filename (including
// extension), Name strips the extension and Path is the absolute file path.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	abs, err := fsutil.AbsPath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !isGGUF(name) {
			continue
		}
		models = append(models, modelFromFile(filepath.Join(abs, name)))
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir scans dir with the default GGUF scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

// Resolve picks the model named by name. A name that points at an existing
// file is used directly; otherwise it is matched against ID, then Name
// (case-insensitive) of the scanned models.
func Resolve(models []types.Model, name string) (types.Model, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Model{}, fmt.Errorf("model name is empty")
	}
	if p, err := fsutil.AbsPath(name); err == nil {
		if fsutil.IsRegularFile(p) {
			return modelFromFile(p), nil
		}
		if fsutil.PathExists(p) && strings.ContainsRune(name, filepath.Separator) {
			return types.Model{}, fmt.Errorf("model path %s is not a regular file", p)
		}
	}
	for _, m := range models {
		if m.ID == name {
			return m, nil
		}
	}
	for _, m := range models {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return types.Model{}, ModelNotFoundError{Name: name}
}

// ModelNotFoundError is returned by Resolve when no model matches.
type ModelNotFoundError struct{ Name string }

func (e ModelNotFoundError) Error() string { return "model not found: " + e.Name }

func isGGUF(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".gguf")
}

func modelFromFile(p string) types.Model {
	id := filepath.Base(p)
	name := strings.TrimSuffix(id, filepath.Ext(id))
	return types.Model{ID: id, Name: name, Path: p, Quant: quantFromName(name)}
}

// quantFromName extracts a trailing quantization tag such as Q4_K_M or F16
// from names like "tinyllama.Q4_K_M".
func quantFromName(name string) string {
	i := strings.LastIndexAny(name, ".-")
	if i < 0 || i == len(name)-1 {
		return ""
	}
	tag := strings.ToUpper(name[i+1:])
	switch {
	case strings.HasPrefix(tag, "Q") && len(tag) > 1 && tag[1] >= '0' && tag[1] <= '9':
		return tag
	case tag == "F16" || tag == "F32" || tag == "BF16":
		return tag
	}
	return ""
}
