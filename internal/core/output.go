package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// File names used inside a run directory.
const (
	StdoutFile = "stdout"
	StderrFile = "stderr"
)

// RunDir returns the working directory of result id under dataDir.
func RunDir(dataDir, id string) string {
	return filepath.Join(dataDir, id)
}

// WriteOutput stores a run's captured streams in its directory.
//
// Each file is written to a temp name and renamed into place, so a crash
// never leaves a truncated stdout behind.
func WriteOutput(dir string, stdout, stderr []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(dir, StdoutFile), stdout, 0o644); err != nil {
		return fmt.Errorf("writing stdout: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(dir, StderrFile), stderr, 0o644); err != nil {
		return fmt.Errorf("writing stderr: %w", err)
	}
	return nil
}

// ReadOutput loads the captured streams of a run directory. A missing stream
// file reads as empty.
func ReadOutput(dir string) (stdout, stderr string, err error) {
	read := func(name string) (string, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return string(b), err
	}
	if stdout, err = read(StdoutFile); err != nil {
		return "", "", fmt.Errorf("reading stdout: %w", err)
	}
	if stderr, err = read(StderrFile); err != nil {
		return "", "", fmt.Errorf("reading stderr: %w", err)
	}
	return stdout, stderr, nil
}

// OutputFiles lists the files a simulation produced in its run directory,
// relative to it and sorted. The captured streams are excluded.
func OutputFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == StdoutFile || rel == StderrFile {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	sort.Strings(files)
	if files == nil {
		files = []string{}
	}
	return files, nil
}

// WriteFileAtomic writes data to path through a synced temp file and a rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
