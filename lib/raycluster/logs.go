// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// harvestLogs copies regular files under src that match any of the
// glob patterns (relative to src, "**" allowed) into dst, preserving
// their relative paths. It returns the number of files copied.
func harvestLogs(src, dst string, patterns []string) (int, error) {
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	fsys := os.DirFS(src)
	copied := map[string]bool{}
	var errs []error
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %q: %w", pattern, err))
			continue
		}
		for _, rel := range matches {
			if copied[rel] {
				continue
			}
			fi, err := fs.Stat(fsys, rel)
			if err != nil || !fi.Mode().IsRegular() {
				continue
			}
			if err := copyFile(filepath.Join(src, rel), filepath.Join(dst, rel), fi.Mode().Perm()); err != nil {
				errs = append(errs, err)
				continue
			}
			copied[rel] = true
		}
	}
	return len(copied), errors.Join(errs...)
}

func copyFile(src, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0200)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
