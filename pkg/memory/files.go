package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureMemoryDirectory creates the memory directory if it doesn't exist
func EnsureMemoryDirectory(basePath string) (string, error) {
	memoryPath := filepath.Join(basePath, "memory")

	info, err := os.Stat(memoryPath)
	if err == nil {
		if !info.IsDir() {
			return "", fmt.Errorf("memory path exists but is not a directory: %s", memoryPath)
		}
		return memoryPath, nil
	}

	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat memory directory: %w", err)
	}

	if err := os.MkdirAll(memoryPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create memory directory: %w", err)
	}

	return memoryPath, nil
}

// ValidateMemoryPath validates that a path is safe for memory operations
func ValidateMemoryPath(path string) error {
	if path == "" {
		return errors.New("path required")
	}

	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative, got absolute path: %s", path)
	}

	// Check for path traversal attempts
	cleanPath := filepath.Clean(path)
	if cleanPath != path {
		return fmt.Errorf("path contains invalid components: %s", path)
	}

	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path cannot reference parent directories: %s", path)
	}

	return nil
}

// memoryFilePath constructs a full path for a memory file under basePath,
// rejecting paths that escape it.
func memoryFilePath(basePath, relativePath string) (string, error) {
	if err := ValidateMemoryPath(relativePath); err != nil {
		return "", err
	}

	fullPath := filepath.Join(basePath, relativePath)

	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute base path: %w", err)
	}
	absFull, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute full path: %w", err)
	}

	if absFull != absBase && !strings.HasPrefix(absFull, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory: %s", relativePath)
	}

	return fullPath, nil
}

// ReadFile returns the contents of a memory file by workspace-relative path.
func (m *Manager) ReadFile(relPath string) (string, error) {
	full, err := memoryFilePath(m.workspaceDir, relPath)
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read memory file: %w", err)
	}
	return string(content), nil
}
