// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
)

// tmpSuffix marks files that are being written and are not yet visible under their final name.
const tmpSuffix = ".tmp"

// IsExist returns true if the file name exists.
func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func MkdirAll(dir string) error {
	return os.MkdirAll(dir, DefaultDirPerm)
}

// WriteFile writes data to filename non-atomically.
func WriteFile(filename string, data []byte) error {
	return os.WriteFile(filename, data, DefaultFilePerm)
}

// WriteFileAtomic writes data into a temp file next to filename, syncs it,
// renames it over filename and syncs the parent directory.
// Readers never observe a partially written file and the file survives a crash
// once WriteFileAtomic returns.
func WriteFileAtomic(filename string, data []byte) error {
	// Concurrent writers of the same file get distinct temp files.
	f, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".*"+tmpSuffix)
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := f.Chmod(DefaultFilePerm); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := Rename(tmp, filename); err != nil {
		os.Remove(tmp)
		return err
	}
	return SyncDir(filepath.Dir(filename))
}

// Rename is the same as os.Rename, but returns a more descriptive error.
func Rename(oldFile, newFile string) error {
	if err := os.Rename(oldFile, newFile); err != nil {
		return fmt.Errorf("failed to rename %v -> %v: %w", oldFile, newFile, err)
	}
	return nil
}

// SyncDir fsyncs a directory so that renames in it are durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync dir %v: %w", dir, err)
	}
	return nil
}

// ListDir returns sorted names of the regular files in dir.
// Leftover temp files of interrupted atomic writes and hidden files are skipped.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range entries {
		name := ent.Name()
		if !ent.Type().IsRegular() || strings.HasSuffix(name, tmpSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// IsEmptyDir returns true if dir does not exist or contains no regular files.
func IsEmptyDir(dir string) (bool, error) {
	names, err := ListDir(dir)
	if os.IsNotExist(err) {
		return true, nil
	}
	return len(names) == 0, err
}

func Abs(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
