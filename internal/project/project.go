// Package project reads and writes the per-project faastruby.yml document and
// knows the on-disk conventions for locating a function's handler.
package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	FileName = "faastruby.yml"

	// SchemaVersion is written as cli_version into synthesized documents.
	SchemaVersion = "0.5.32"

	EntryCrystal = "handler.cr"
	EntryRuby    = "handler.rb"
	SourceDir    = "src"

	CrystalPrefix = "crystal:"
	RubyPrefix    = "ruby:"
)

var ErrNoConfig = errors.New("project configuration not found")

// Doc models faastruby.yml. Keys this package does not know about are kept in
// Extra so a rewrite never drops them.
type Doc struct {
	CLIVersion  string         `yaml:"cli_version,omitempty"`
	Name        string         `yaml:"name"`
	Runtime     string         `yaml:"runtime"`
	BeforeBuild []string       `yaml:"before_build,omitempty"`
	Extra       map[string]any `yaml:",inline"`
}

func (d Doc) IsCrystal() bool {
	return strings.HasPrefix(d.Runtime, CrystalPrefix)
}

func ConfigPath(dir string) string {
	return filepath.Join(dir, FileName)
}

func HasConfig(dir string) bool {
	return isFile(ConfigPath(dir))
}

func Load(dir string) (Doc, error) {
	raw, err := os.ReadFile(ConfigPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Doc{}, fmt.Errorf("%s: %w", dir, ErrNoConfig)
		}
		return Doc{}, fmt.Errorf("read %s: %w", FileName, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Doc, error) {
	var d Doc
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Doc{}, fmt.Errorf("parse %s: %w", FileName, err)
	}
	return d, nil
}

// Write persists d into dir, stamping the schema marker when absent.
func Write(dir string, d Doc) error {
	if d.CLIVersion == "" {
		d.CLIVersion = SchemaVersion
	}
	raw, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", FileName, err)
	}
	path := ConfigPath(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", FileName, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", FileName, err)
	}
	return nil
}

// Ensure writes a default document for dir unless one already exists.
func Ensure(workspace, dir, runtime string) (bool, error) {
	if HasConfig(dir) {
		return false, nil
	}
	name, err := NameFor(workspace, dir)
	if err != nil {
		return false, err
	}
	if err := Write(dir, Doc{Name: name, Runtime: runtime}); err != nil {
		return false, err
	}
	return true, nil
}

// BeforeBuild returns the ordered before_build hooks for dir.
func BeforeBuild(dir string) ([]string, error) {
	d, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), d.BeforeBuild...), nil
}

// NameFor derives a function name from its path relative to the workspace.
func NameFor(workspace, dir string) (string, error) {
	rel, err := filepath.Rel(workspace, dir)
	if err != nil {
		return "", fmt.Errorf("derive function name: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("derive function name: %s is outside workspace %s", dir, workspace)
	}
	if rel == "." {
		return filepath.Base(dir), nil
	}
	return filepath.ToSlash(rel), nil
}

// Defaults holds the runtimes assigned to freshly discovered functions.
type Defaults struct {
	Crystal string
	Ruby    string
}

func (d Defaults) RuntimeFor(entry string) (string, error) {
	switch filepath.Base(entry) {
	case EntryCrystal:
		return d.Crystal, nil
	case EntryRuby:
		return d.Ruby, nil
	default:
		return "", fmt.Errorf("unrecognized handler entry %q", entry)
	}
}

func IsEntry(path string) bool {
	base := filepath.Base(path)
	return base == EntryCrystal || base == EntryRuby
}

// HandlerPath returns the handler entry, without extension, that the compiler
// shim should require for the project rooted at dir.
func HandlerPath(dir string) string {
	if isFile(filepath.Join(dir, EntryCrystal)) {
		return filepath.Join(dir, "handler")
	}
	return filepath.Join(dir, SourceDir, "handler")
}

// Entry describes a handler file seen by the workspace watcher.
type Entry struct {
	File    string
	Project string
	// NeedsCompile is set when the entry sits in src/ next to an existing
	// configuration and Crystal handler source.
	NeedsCompile bool
}

func (e Entry) IsCrystal() bool {
	return filepath.Base(e.File) == EntryCrystal
}

// ResolveEntry finds the project that owns a handler entry file.
func ResolveEntry(path string) Entry {
	parent := filepath.Dir(path)
	if filepath.Base(parent) != SourceDir {
		return Entry{File: path, Project: parent}
	}
	root := filepath.Dir(parent)
	return Entry{
		File:         path,
		Project:      root,
		NeedsCompile: HasConfig(root) && isFile(filepath.Join(parent, EntryCrystal)),
	}
}

// Find walks workspace and returns every project directory whose document
// runtime starts with prefix. Unreadable documents are skipped and reported
// through the joined error; the directories found are still returned.
func Find(workspace, prefix string) ([]string, error) {
	var dirs []string
	var errs []error
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == workspace {
				return err
			}
			errs = append(errs, err)
			return nil
		}
		if d.IsDir() {
			if path != workspace && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != FileName {
			return nil
		}
		dir := filepath.Dir(path)
		doc, err := Load(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			return nil
		}
		if strings.HasPrefix(doc.Runtime, prefix) {
			dirs = append(dirs, dir)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	sort.Strings(dirs)
	return dirs, errors.Join(errs...)
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
