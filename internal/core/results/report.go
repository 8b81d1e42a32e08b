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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
)

// Summarize counts detections over every frame. The result does not depend
// on map iteration order.
func Summarize(fd model.FrameDetections) (int, map[string]int) {
	total := 0
	byClass := make(map[string]int)
	for _, dets := range fd {
		for _, d := range dets {
			total++
			byClass[d.Class]++
		}
	}
	return total, byClass
}

// SortedClasses returns the keys of byClass in lexicographic order.
func SortedClasses(byClass map[string]int) []string {
	keys := make([]string, 0, len(byClass))
	for k := range byClass {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PersistReport writes detection_results.json. An existing report is never
// replaced and yields a conflict error.
func PersistReport(path string, report *model.DetectionReport) error {
	const op = "persist report"
	data, err := json.Marshal(report)
	if err != nil {
		return model.NewError(model.KindInternal, op, err)
	}
	return persist(op, path, data)
}

// LoadReport reads a persisted report back.
func LoadReport(path string) (*model.DetectionReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	report := &model.DetectionReport{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return report, nil
}

// MetadataRecord is the content of metadata.txt.
type MetadataRecord struct {
	VideoID             model.VideoIdentifier
	Source              model.SourceDescriptor
	ConfidenceThreshold float64
	TotalFrames         int
	TotalDetections     int
	SkippedFrames       int
	ModelName           string
	Device              string
	ClassCounts         map[string]int
}

// Format renders the record as "key: value" lines, with one indented line per
// class in lexicographic order.
func (m *MetadataRecord) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "video_id: %s\n", m.VideoID)
	fmt.Fprintf(&b, "source: %s\n", m.Source)
	fmt.Fprintf(&b, "confidence_threshold: %s\n", formatThreshold(m.ConfidenceThreshold))
	fmt.Fprintf(&b, "total_frames: %d\n", m.TotalFrames)
	fmt.Fprintf(&b, "total_detections: %d\n", m.TotalDetections)
	fmt.Fprintf(&b, "skipped_frames: %d\n", m.SkippedFrames)
	fmt.Fprintf(&b, "model: %s\n", m.ModelName)
	fmt.Fprintf(&b, "device: %s\n", m.Device)
	b.WriteString("class_counts:\n")
	for _, k := range SortedClasses(m.ClassCounts) {
		fmt.Fprintf(&b, "  %s: %d\n", k, m.ClassCounts[k])
	}
	return b.String()
}

// formatThreshold always keeps a decimal point, so 1 prints as "1.0".
func formatThreshold(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// PersistMetadata writes metadata.txt without replacing an existing file.
func PersistMetadata(path string, record *MetadataRecord) error {
	return persist("persist metadata", path, []byte(record.Format()))
}

func persist(op, path string, data []byte) error {
	err := writeFileNoOverwrite(path, data)
	if errors.Is(err, os.ErrExist) {
		return model.Errorf(model.KindConflict, op, "%s already exists", path)
	}
	if err != nil {
		return model.NewError(model.KindInternal, op, err)
	}
	return nil
}
