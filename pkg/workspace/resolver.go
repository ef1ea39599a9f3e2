package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserPath expands a leading ~ or ~/ to the current user's home directory.
func ExpandUserPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// ResolveAgentDir returns the per-agent state directory under the data dir.
func ResolveAgentDir(dataDir, agentID string) string {
	return filepath.Join(dataDir, "agents", agentID)
}

// ResolveAgentWorkspaceDir returns the workspace directory for an agent,
// preferring the agent's own workspace over the global one.
func ResolveAgentWorkspaceDir(agentWorkspace, globalWorkspace string) (string, error) {
	ws := agentWorkspace
	if ws == "" {
		ws = globalWorkspace
	}
	if ws == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	return ExpandUserPath(ws)
}

// ResolveSessionTranscriptsDirForAgent returns the directory holding an
// agent's session transcript files.
func ResolveSessionTranscriptsDirForAgent(dataDir, agentID string) string {
	return filepath.Join(ResolveAgentDir(dataDir, agentID), "sessions")
}

// EnsureDir creates the directory if it does not exist and verifies it is a directory.
func EnsureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}
