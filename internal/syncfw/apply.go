package syncfw

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/lakowske/net-servers/internal/corerr"
)

// ApplyPlan executes plan's file actions via atomic temp+rename writes (or
// removal), skipping any file whose content and mode already match what's
// on disk — the mechanism behind spec.md §8's idempotence property:
// running apply twice without an intervening config change must not touch
// any mtime. It is shared by every concrete synchronizer's Apply.
func ApplyPlan(plan Plan) error {
	for _, action := range plan.Files {
		if action.Delete {
			if err := os.Remove(action.Path); err != nil && !os.IsNotExist(err) {
				return corerr.Wrap(corerr.IOFatal, err, "failed to remove stale projection file", map[string]any{"path": action.Path})
			}
			continue
		}

		if unchanged(action) {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(action.Path), 0o755); err != nil {
			return corerr.Wrap(corerr.IOFatal, err, "failed to create projection directory", map[string]any{"path": action.Path})
		}

		tmp := action.Path + ".tmp"
		if err := os.WriteFile(tmp, action.Content, action.Mode); err != nil {
			return corerr.Wrap(corerr.IOFatal, err, "failed to write projection file", map[string]any{"path": tmp})
		}
		if f, err := os.OpenFile(tmp, os.O_RDWR, action.Mode); err == nil {
			_ = f.Sync()
			_ = f.Close()
		}
		if err := os.Rename(tmp, action.Path); err != nil {
			return corerr.Wrap(corerr.IOFatal, err, "failed to install projection file", map[string]any{"path": action.Path})
		}
	}
	return nil
}

func unchanged(action FileAction) bool {
	info, err := os.Stat(action.Path)
	if err != nil {
		return false
	}
	if info.Mode().Perm() != action.Mode.Perm() {
		return false
	}
	existing, err := os.ReadFile(action.Path)
	if err != nil {
		return false
	}
	return bytes.Equal(existing, action.Content)
}
