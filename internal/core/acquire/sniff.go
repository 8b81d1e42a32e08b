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

package acquire

import (
	"fmt"
	"io"
	"os"

	"github.com/h2non/filetype"
)

// SniffVideo checks the file's magic bytes and rejects anything that is not
// a video container, such as an HTML error page saved under a .mp4 name.
func SniffVideo(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	head := make([]byte, 261)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s is empty", path)
	}
	if !filetype.IsVideo(head[:n]) {
		kind, _ := filetype.Match(head[:n])
		return fmt.Errorf("%s is not a video (detected %q)", path, kind.MIME.Value)
	}
	return nil
}
