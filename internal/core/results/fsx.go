// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package results

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// linkFunc is swapped in tests to simulate filesystems without hard links.
var linkFunc = os.Link

// writeFileNoOverwrite writes data to path through a temp file in the same
// directory. The final step is a hard link, which fails with os.ErrExist if
// path already exists, so an existing artifact is never replaced. When hard
// links are unsupported it falls back to an existence check and rename.
func writeFileNoOverwrite(path string, data []byte) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}
		return os.ErrExist
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}

	err = linkFunc(tmpName, path)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		return os.ErrExist
	}
	// No hard links here; the reservation lock already excludes other runs.
	if _, statErr := os.Lstat(path); statErr == nil {
		return os.ErrExist
	}
	return os.Rename(tmpName, path)
}
