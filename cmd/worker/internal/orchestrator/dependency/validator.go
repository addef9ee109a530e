package dependency

import (
	"fmt"
	"path/filepath"
	"strings"
)

var forbiddenPrefixes = []string{"/etc", "/sys", "/proc", "/dev"}

// ValidateCommandRequest performs security checks before command execution:
// the command whitelist, argument safety (no traversal, no system
// directories, absolute paths confined to the shared volume) and the
// working directory.
func ValidateCommandRequest(req CommandRequest, config ExecutorConfig) error {
	if len(config.AllowedCommands) > 0 {
		allowed := false
		for _, cmd := range config.AllowedCommands {
			if req.Command == cmd {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("command %s is not in whitelist (allowed: %v)", req.Command, config.AllowedCommands)
		}
	}

	pm := NewPathManager(config.SharedVolumePath)
	for _, arg := range req.Args {
		if strings.Contains(arg, "..") {
			return fmt.Errorf("argument contains dangerous characters '..' (path traversal attempt): %s", arg)
		}
		for _, prefix := range forbiddenPrefixes {
			if arg == prefix || strings.HasPrefix(arg, prefix+"/") {
				return fmt.Errorf("argument attempts to access forbidden system directory %s: %s", prefix, arg)
			}
		}
		if config.SharedVolumePath != "" && filepath.IsAbs(arg) {
			if err := pm.ValidatePath(arg); err != nil {
				return fmt.Errorf("invalid file argument: %w", err)
			}
		}
	}

	if req.WorkingDir != "" && config.SharedVolumePath != "" {
		if err := pm.ValidatePath(req.WorkingDir); err != nil {
			return fmt.Errorf("invalid working directory: %w", err)
		}
	}
	return nil
}
