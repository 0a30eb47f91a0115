package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"agentd/engine/internal/memory"
)

var (
	ErrInvalidPath      = errors.New("invalid path")
	ErrSandboxViolation = errors.New("path escapes workspace root")
	ErrInvalidID        = errors.New("invalid conversation id")
)

const (
	projectDirName = "project"
	memoryDirName  = "memory"
	metaDirName    = "meta"
)

// Workspace is the resolved on-disk layout for one conversation. The
// project directory is the only tree tools may touch; memory and meta sit
// beside it, out of the model's reach.
type Workspace struct {
	ID         string
	Root       string
	ProjectDir string
	MemoryDir  string
	MetaDir    string
}

// Manager allocates isolated per-conversation workspaces under a base
// directory. One conversation maps to exactly one root for its lifetime.
type Manager struct {
	baseDir string
}

func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// Resolve returns the workspace for conversationID, creating and seeding it
// on first use. Calls for the same id always return the same root.
func (m *Manager) Resolve(conversationID string) (Workspace, error) {
	if err := validateID(conversationID); err != nil {
		return Workspace{}, err
	}
	root := filepath.Join(m.baseDir, conversationID)
	ws := Workspace{
		ID:         conversationID,
		Root:       root,
		ProjectDir: filepath.Join(root, projectDirName),
		MemoryDir:  filepath.Join(root, memoryDirName),
		MetaDir:    filepath.Join(root, metaDirName),
	}
	for _, dir := range []string{ws.ProjectDir, ws.MemoryDir, ws.MetaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Workspace{}, err
		}
	}
	if err := memory.Seed(ws.MemoryDir); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

// List returns the conversation ids that currently have a workspace.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if validateID(entry.Name()) != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a conversation's workspace entirely.
func (m *Manager) Delete(conversationID string) error {
	if err := validateID(conversationID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(m.baseDir, conversationID))
}

// ValidateRelPath applies the shared path rules for all filesystem tools:
// no empty paths, no absolute paths, no backslashes, no `..` segments, and
// only characters from the safe allow-list. The returned error names the
// violated rule so the model can self-correct. Escape attempts (absolute
// paths, traversal segments) are ErrSandboxViolation; malformed paths are
// ErrInvalidPath.
func ValidateRelPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: path is empty", ErrInvalidPath)
	}
	if strings.Contains(path, "\\") {
		return fmt.Errorf("%w: backslashes are not allowed, use forward slashes", ErrInvalidPath)
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: absolute paths are not allowed", ErrSandboxViolation)
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: path traversal segment '..' is not allowed", ErrSandboxViolation)
		}
	}
	if !safePathChars(path) {
		return fmt.Errorf("%w: path contains characters outside the allowed set (letters, digits, '.', '_', '-', '/', space)", ErrInvalidPath)
	}
	return nil
}

func safePathChars(path string) bool {
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-' || r == '/' || r == ' ':
		default:
			return false
		}
	}
	return true
}

// SafeJoin resolves rel against root and re-checks containment on the
// cleaned result. Validation via ValidateRelPath must happen first; this is
// the second line of defense.
func SafeJoin(root, rel string) (string, error) {
	if err := ValidateRelPath(rel); err != nil {
		return "", err
	}
	full := filepath.Clean(filepath.Join(root, rel))
	cleanRoot := filepath.Clean(root)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", ErrSandboxViolation
	}
	return full, nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return ErrInvalidID
		}
	}
	return nil
}

// FileTree renders a sorted listing of the project directory, one relative
// path per line, capped at maxEntries. Hidden files are skipped.
func FileTree(projectDir string, maxEntries int) (string, error) {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	var paths []string
	err := filepath.WalkDir(projectDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == projectDir {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(projectDir, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			rel += "/"
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)
	truncated := false
	if len(paths) > maxEntries {
		paths = paths[:maxEntries]
		truncated = true
	}
	if len(paths) == 0 {
		return "(empty project)", nil
	}
	out := strings.Join(paths, "\n")
	if truncated {
		out += "\n... (listing truncated)"
	}
	return out, nil
}

// ProjectHashes walks the project directory and returns content hashes for
// every regular file, keyed by slash-separated relative path. Used by the
// index staleness audit.
func ProjectHashes(projectDir string) (map[string]string, error) {
	hashes := map[string]string{}
	err := filepath.WalkDir(projectDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() && path != projectDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		rel, relErr := filepath.Rel(projectDir, path)
		if relErr != nil {
			return relErr
		}
		hashes[filepath.ToSlash(rel)] = memory.ContentHash(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

const (
	checkTimeout       = 60 * time.Second
	maxCheckDetailSize = 3000
)

// CheckResult is the compile/check signal consumed by the implement phase.
type CheckResult struct {
	OK     bool
	Detail string
}

// CompileCheck runs the configured check command inside projectDir and
// captures its output. An empty command reports success, meaning the
// workspace exposes no check signal.
func CompileCheck(ctx context.Context, projectDir string, command []string) (CheckResult, error) {
	if len(command) == 0 {
		return CheckResult{OK: true}, nil
	}
	runCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Dir = projectDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	if err == nil {
		return CheckResult{OK: true}, nil
	}
	if runCtx.Err() != nil {
		return CheckResult{}, runCtx.Err()
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return CheckResult{}, err
	}
	detail := strings.TrimSpace(output.String())
	if detail == "" {
		detail = err.Error()
	}
	if len(detail) > maxCheckDetailSize {
		detail = detail[:maxCheckDetailSize] + "\n... (output truncated)"
	}
	return CheckResult{OK: false, Detail: detail}, nil
}
