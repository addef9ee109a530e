package dependency

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PathManager lays out per-job scratch directories under the shared temp
// root. Every job gets its own scope, <root>/<jobID>-<uuid>, so concurrent
// jobs (and retries of the same job on other workers) never share files.
type PathManager struct {
	baseDir string
}

// NewPathManager creates a new PathManager rooted at baseDir.
func NewPathManager(baseDir string) *PathManager {
	return &PathManager{baseDir: baseDir}
}

// BaseDir returns the root directory.
func (pm *PathManager) BaseDir() string {
	return pm.baseDir
}

// NewJobScope creates a fresh, uniquely named directory for jobID.
func (pm *PathManager) NewJobScope(jobID string) (string, error) {
	dir := filepath.Join(pm.baseDir, fmt.Sprintf("%s-%s", sanitize(jobID), uuid.NewString()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job scope: %w", err)
	}
	return dir, nil
}

// ValidatePath checks that path is inside the base directory, free of
// traversal sequences, outside system directories and not a symlink.
func (pm *PathManager) ValidatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains dangerous characters '..'")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	absBaseDir, err := filepath.Abs(pm.baseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base directory: %w", err)
	}

	rel, err := filepath.Rel(absBaseDir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside shared volume (%s)", path, pm.baseDir)
	}

	for _, prefix := range forbiddenPrefixes {
		if absPath == prefix || strings.HasPrefix(absPath, prefix+"/") {
			return fmt.Errorf("access to system directory %s is forbidden", prefix)
		}
	}

	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symbolic links are not allowed")
	}
	return nil
}

// RemoveStaleScopes deletes job scopes whose modification time is older
// than maxAge. Scopes left behind by a crashed worker are reclaimed this way.
func (pm *PathManager) RemoveStaleScopes(maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(pm.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list temp root: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(pm.baseDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove stale scope %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

func sanitize(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	if s := r.Replace(id); s != "" {
		return s
	}
	return "job"
}
