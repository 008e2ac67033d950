package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Load reads and compiles the rules file at path. YAML anchors and aliases
// in the document are resolved by the parser; shared_conditions fragments
// additionally alias at the compiled-condition level.
func Load(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(raw)
}

// Parse compiles a raw YAML rules document.
func Parse(raw []byte) (*RuleSet, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}

	rs, err := Compile(&doc)
	if err != nil {
		return nil, err
	}

	for _, p := range rs.Problems {
		slog.Warn("rules definition disabled", "kind", p.Kind, "name", p.Name, "reason", p.Reason)
	}
	return rs, nil
}

// Watch reloads the rules file whenever it changes and hands the fresh rule
// set to onReload. Editors often replace files via rename, so the watch is
// on the parent directory. A reload that fails to parse keeps the previous
// rule set in effect. Watch blocks until the context is canceled.
func Watch(ctx context.Context, path string, onReload func(*RuleSet)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			rs, err := Load(path)
			if err != nil {
				slog.Error("rules reload failed, keeping previous rules", "path", path, "error", err)
				continue
			}
			slog.Info("rules reloaded", "path", path, "queues", len(rs.Queues), "rules", len(rs.Rules))
			onReload(rs)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("rules watcher error", "error", err)
		}
	}
}
