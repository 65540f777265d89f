package u

import (
	"os"
	"strings"
)

// FileExists returns true if path exists and is a regular file
func FileExists(path string) bool {
	st, err := os.Lstat(path)
	return err == nil && st.Mode().IsRegular()
}

// ExpandTildeInPath turns ~/.ssh/id_ed25519 into /home/me/.ssh/id_ed25519
func ExpandTildeInPath(s string) string {
	if !strings.HasPrefix(s, "~") {
		return s
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return s
	}
	return dir + s[1:]
}
