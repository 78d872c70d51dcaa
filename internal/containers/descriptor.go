package containers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/metacore/ingest-core/internal/merrors"
)

// pluginIDPattern matches spec.md's pluginId grammar: [a-z][a-z0-9-]*.
var pluginIDPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ValidatePluginID returns merrors.ErrInvalidPluginID if id doesn't match
// the required grammar.
func ValidatePluginID(id string) error {
	if !pluginIDPattern.MatchString(id) {
		return merrors.ErrInvalidPluginID
	}
	return nil
}

// document is the on-disk wire format: {version, plugins: {id: descriptor}}.
type document struct {
	Version int                   `json:"version"`
	Plugins map[string]Descriptor `json:"plugins"`
}

const documentVersion = 1

// loadDescriptors reads the plugin descriptor document from path. A
// missing file is not an error — it yields an empty document, letting a
// fresh deployment start with no plugins configured.
func loadDescriptors(path string) (map[string]Descriptor, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]Descriptor), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", merrors.ErrDescriptorUnreadable, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", merrors.ErrDescriptorUnreadable, err)
	}
	if doc.Plugins == nil {
		doc.Plugins = make(map[string]Descriptor)
	}
	return doc.Plugins, nil
}

// saveDescriptors atomically persists plugins to path via write-temp-
// then-rename, so a crash mid-write never corrupts the document a
// concurrent reader might load.
func saveDescriptors(path string, plugins map[string]Descriptor) error {
	doc := document{Version: documentVersion, Plugins: plugins}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("descriptor: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("descriptor: create dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".plugins-*.tmp")
	if err != nil {
		return fmt.Errorf("descriptor: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("descriptor: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("descriptor: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("descriptor: rename to %q: %w", path, err)
	}
	return nil
}
