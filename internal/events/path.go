package events

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultSocketPath is $XDG_RUNTIME_DIR/orchflow/events.sock, or a per-user
// directory under the system temp dir.
func DefaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "orchflow", "events.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("orchflow-%d", os.Getuid()), "events.sock")
}
