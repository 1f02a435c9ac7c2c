package engine

import (
	"os"
	"path/filepath"
	"strings"

	"tachyonengine/internal/task"
	"tachyonengine/internal/worker"
)

// baseDir resolves a BaseDirectory enum to a root filesystem path.
// Shared-storage placement conventions (platform content roots,
// app-sandbox containers) are an external collaborator's concern per
// spec.md §1 Non-goals; this picks the same plain home-relative roots
// the teacher's os_utils.go GetDefaultDownloadDir does, generalized to
// the other enum members the teacher never needed.
func baseDir(b task.BaseDirectory) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch b {
	case task.BaseDirectoryTemporary:
		return os.TempDir(), nil
	case task.BaseDirectoryApplicationSupport:
		return filepath.Join(home, ".tachyonengine", "support"), nil
	case task.BaseDirectoryApplicationLibrary:
		return filepath.Join(home, ".tachyonengine", "library"), nil
	default: // BaseDirectoryDocuments and the zero value
		return filepath.Join(home, "Downloads"), nil
	}
}

// resolveDestination computes the final absolute file path for a
// download-shaped task, deriving the filename when dest.Filename is the
// "suggest" sentinel (spec.md §4.2(b)) from probedFilename (already
// carried forward from a worker.Probe call) or, failing that, the last
// path segment of urlStr. Collisions are resolved with the same
// " (n)" counter the worker's own allocator expects destPath to already
// reflect, so RunDownload never has to reopen an existing file under
// someone else's name.
func resolveDestination(dest task.Destination, urlStr, probedFilename string) (string, error) {
	root, err := baseDir(dest.BaseDirectory)
	if err != nil {
		return "", err
	}
	dir := root
	if dest.SubDirectory != "" {
		dir = filepath.Join(root, dest.SubDirectory)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := dest.Filename
	if name == "" || name == task.SuggestFilename {
		switch {
		case probedFilename != "":
			name = probedFilename
		default:
			name = strings.TrimSuffix(filepath.Base(urlStr), "/")
			if name == "" || name == "." || name == "/" {
				name = "unknown_file"
			}
		}
	}

	path := filepath.Join(dir, name)
	return worker.EnsureUnique(path, func(p string) bool {
		_, statErr := os.Stat(p)
		return statErr == nil
	}), nil
}
