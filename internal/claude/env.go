package claude

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

var (
	tmpDirOnce sync.Once
	tmpDir     string
)

// cleanTmpDir returns a dedicated TMPDIR for claude invocations. Editor
// socket files in the shared temp directory crash the CLI when --settings
// is passed.
func cleanTmpDir() string {
	tmpDirOnce.Do(func() {
		tmpDir = filepath.Join(os.TempDir(), "relay-claude")
		_ = os.MkdirAll(tmpDir, 0755)
	})
	return tmpDir
}

// SetCleanEnv copies the current environment into cmd with TMPDIR replaced.
func SetCleanEnv(cmd *exec.Cmd) {
	cmd.Env = withEnv(os.Environ(), "TMPDIR", cleanTmpDir())
}

// withEnv returns env with key set to value, replacing an existing entry.
func withEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return append(out, prefix+value)
}
