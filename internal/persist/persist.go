// Package persist saves and restores property snapshots, one YAML file per
// camera identity, so a reconnect comes back with the previous settings.
package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/IndiGo/internal/debug"
	"github.com/cjeanneret/IndiGo/internal/props"
)

// Path resolves the snapshot file for a camera identity inside dir. The
// identity is sanitized so models containing path characters cannot escape.
func Path(dir, identity string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, identity)
	if clean == "" {
		clean = "camera"
	}
	return filepath.Join(dir, clean+".props.yaml")
}

// Save writes the registry's persistable values for one camera identity.
func Save(dir, identity string, r *props.Registry) error {
	snap := r.Snapshot()
	out := make(map[string]interface{}, len(snap))
	for name, v := range snap {
		out[name] = v.Interface()
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	path := Path(dir, identity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	debug.Verbose("saved %d properties to %s", len(out), path)
	return nil
}

// Load applies a previously saved snapshot through the registry's validated
// write path. A missing file is not an error; a value the current schema
// rejects is skipped and logged, so stale snapshots never poison a session.
func Load(dir, identity string, r *props.Registry) error {
	path := Path(dir, identity)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("persist: parsing %s: %w", path, err)
	}
	applied := 0
	for name, rv := range raw {
		kind, ok := r.Kind(name)
		if !ok {
			debug.Verbose("snapshot %s: skipping unknown property %q", path, name)
			continue
		}
		v, err := props.ParseValue(kind, rv)
		if err != nil {
			debug.Verbose("snapshot %s: %s: %v", path, name, err)
			continue
		}
		if err := r.Set(name, v); err != nil {
			debug.Verbose("snapshot %s: %s rejected: %v", path, name, err)
			continue
		}
		applied++
	}
	debug.Verbose("restored %d properties from %s", applied, path)
	return nil
}
