package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// SocketName is the file name of the daemon socket.
const SocketName = "jobd.sock"

// DefaultSocketPath returns $XDG_RUNTIME_DIR/jobd/jobd.sock, or
// $TMPDIR/jobd-<uid>/jobd.sock when no runtime directory is set.
func DefaultSocketPath() string {
	if dir, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && dir != "" {
		return filepath.Join(dir, "jobd", SocketName)
	}
	return filepath.Join(os.TempDir(), "jobd-"+strconv.Itoa(os.Getuid()), SocketName)
}

// ensureSocketDir creates the socket's parent directory, owner-only. An
// existing directory is left as is.
func ensureSocketDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ipc: create socket directory: %w", err)
	}
	return nil
}
