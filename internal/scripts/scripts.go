// Package scripts locates the Lua scripts a coordinator can execute runs
// with. Project scripts shadow user scripts of the same name.
package scripts

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mpataki/stepchain/internal/lua"
)

var ErrNotFound = errors.New("script not found")

// Script is a discovered script file.
type Script struct {
	Name string
	Path string
}

// Find resolves name, or name.lua, in dirs in order. A name containing a
// path separator is used as a path directly.
func Find(name string, dirs []string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return name, nil
	}

	candidates := []string{name}
	if !lua.IsScript(name) {
		candidates = append(candidates, name+".lua")
	}
	for _, dir := range dirs {
		for _, c := range candidates {
			path := filepath.Join(dir, c)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// LoadAll lists the scripts in dirs, earlier dirs taking precedence.
func LoadAll(dirs []string) ([]Script, error) {
	seen := make(map[string]bool)
	var scripts []Script

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		for _, entry := range entries {
			if entry.IsDir() || !lua.IsScript(entry.Name()) {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ".lua")
			if seen[name] {
				continue
			}
			seen[name] = true
			scripts = append(scripts, Script{Name: name, Path: filepath.Join(dir, entry.Name())})
		}
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })
	return scripts, nil
}

// Open returns the runtime for name. The empty name and "default" fall back
// to the embedded script unless a file of that name exists.
func Open(name string, dirs []string, logger *slog.Logger) (*lua.Runtime, error) {
	if name == "" {
		name = lua.DefaultName
	}
	path, err := Find(name, dirs)
	if err != nil {
		if errors.Is(err, ErrNotFound) && name == lua.DefaultName {
			return lua.Default(logger), nil
		}
		return nil, err
	}
	return lua.Load(path, logger)
}
