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

package model

import "sort"

// Detection is one object found in a frame. BBox holds pixel coordinates
// x1, y1, x2, y2. Conf is always at or above the run's threshold.
type Detection struct {
	BBox  [4]float64 `json:"bbox"`
	Class string     `json:"class"`
	Conf  float64    `json:"conf"`
}

// FrameDetections maps a frame file name to the detections kept for it.
// Every sampled frame has an entry, even when its list is empty.
type FrameDetections map[string][]Detection

// FrameNames returns the frame names in lexicographic order.
func (f FrameDetections) FrameNames() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FrameEntry is one frame in a DetectionReport.
type FrameEntry struct {
	Frame      string      `json:"frame"`
	Detections []Detection `json:"detections"`
}

// DetectionReport is the document persisted as detection_results.json.
type DetectionReport struct {
	VideoID             string       `json:"video_id"`
	ConfidenceThreshold float64      `json:"confidence_threshold"`
	Frames              []FrameEntry `json:"frames"`
}

// NewDetectionReport orders the frames by name and normalizes empty lists so
// they serialize as [] rather than null.
func NewDetectionReport(id VideoIdentifier, threshold float64, fd FrameDetections) *DetectionReport {
	out := &DetectionReport{
		VideoID:             id.String(),
		ConfidenceThreshold: threshold,
		Frames:              make([]FrameEntry, 0, len(fd)),
	}
	for _, name := range fd.FrameNames() {
		dets := fd[name]
		if dets == nil {
			dets = []Detection{}
		}
		out.Frames = append(out.Frames, FrameEntry{Frame: name, Detections: dets})
	}
	return out
}

// FrameDetections rebuilds the per-frame mapping from a report.
func (r *DetectionReport) FrameDetections() FrameDetections {
	out := make(FrameDetections, len(r.Frames))
	for _, f := range r.Frames {
		out[f.Frame] = f.Detections
	}
	return out
}
