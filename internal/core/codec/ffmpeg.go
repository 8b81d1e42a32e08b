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

package codec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// FFmpegCodec shells out to ffprobe and ffmpeg and exchanges raw rgb24
// frames with them over pipes.
type FFmpegCodec struct {
	FFmpegPath  string
	FFprobePath string

	encodersMu sync.Mutex
	encoders   map[string]bool
}

func NewFFmpegCodec(ffmpegPath, ffprobePath string) *FFmpegCodec {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegCodec{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// ParseFrameRate converts an ffprobe rational such as "30000/1001" to a
// float. Unknown or malformed rates yield 0.
func ParseFrameRate(s string) float64 {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func (c *FFmpegCodec) probe(ctx context.Context, path string) (image.Point, float64, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate",
		"-of", "json",
		path)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return image.Point{}, 0, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	var p probeOutput
	if err := json.Unmarshal(out, &p); err != nil {
		return image.Point{}, 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	if len(p.Streams) == 0 || p.Streams[0].Width <= 0 || p.Streams[0].Height <= 0 {
		return image.Point{}, 0, fmt.Errorf("ffprobe %s: no video stream", path)
	}
	s := p.Streams[0]
	fps := ParseFrameRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = ParseFrameRate(s.RFrameRate)
	}
	return image.Pt(s.Width, s.Height), fps, nil
}

// Decode probes the source and starts an ffmpeg process that writes rgb24
// frames to stdout.
func (c *FFmpegCodec) Decode(ctx context.Context, path string) (FrameStream, error) {
	size, fps, err := c.probe(ctx, path)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, c.FFmpegPath,
		"-v", "error",
		"-i", path,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-")
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &ffmpegStream{
		cmd:    cmd,
		out:    bufio.NewReaderSize(stdout, size.X*size.Y*3),
		stderr: stderr,
		size:   size,
		fps:    fps,
		buf:    make([]byte, size.X*size.Y*3),
	}, nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	out    io.Reader
	stderr *bytes.Buffer
	size   image.Point
	fps    float64
	buf    []byte
	done   bool
	err    error
}

func (s *ffmpegStream) FPS() float64      { return s.fps }
func (s *ffmpegStream) Size() image.Point { return s.size }

func (s *ffmpegStream) Next() (image.Image, error) {
	if s.done {
		return nil, io.EOF
	}
	_, err := io.ReadFull(s.out, s.buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		s.done = true
		if werr := s.wait(); werr != nil {
			return nil, werr
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rectangle{Max: s.size})
	for i, j := 0, 0; i < len(s.buf); i, j = i+3, j+4 {
		img.Pix[j] = s.buf[i]
		img.Pix[j+1] = s.buf[i+1]
		img.Pix[j+2] = s.buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

func (s *ffmpegStream) wait() error {
	if s.cmd == nil {
		return s.err
	}
	err := s.cmd.Wait()
	s.cmd = nil
	if err != nil {
		s.err = fmt.Errorf("ffmpeg decode: %w: %s", err, strings.TrimSpace(s.stderr.String()))
	}
	return s.err
}

func (s *ffmpegStream) Close() error {
	if s.cmd == nil {
		return nil
	}
	if !s.done && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
		s.cmd = nil
		return nil
	}
	return s.wait()
}

// ParseEncoders extracts encoder names from `ffmpeg -encoders` output.
func ParseEncoders(out string) map[string]bool {
	encoders := make(map[string]bool)
	listing := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "------") {
			listing = true
			continue
		}
		if !listing {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			encoders[fields[1]] = true
		}
	}
	return encoders
}

// HasEncoder reports whether ffmpeg was built with the named encoder. The
// encoder list is cached after the first successful read; a failed read is
// retried on the next call.
func (c *FFmpegCodec) HasEncoder(ctx context.Context, name string) (bool, error) {
	c.encodersMu.Lock()
	defer c.encodersMu.Unlock()
	if c.encoders == nil {
		out, err := exec.CommandContext(ctx, c.FFmpegPath, "-hide_banner", "-encoders").Output()
		if err != nil {
			return false, fmt.Errorf("list ffmpeg encoders: %w", err)
		}
		c.encoders = ParseEncoders(string(out))
	}
	return c.encoders[name], nil
}

// OpenEncoder starts an ffmpeg process that reads rgb24 frames of the given
// size from stdin and muxes them with profile at fps.
func (c *FFmpegCodec) OpenEncoder(ctx context.Context, path string, profile Profile, fps int, size image.Point) (Encoder, error) {
	ok, err := c.HasEncoder(ctx, profile.Encoder)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEncoderUnavailable, profile.Encoder)
	}
	if fps <= 0 {
		fps = 1
	}
	args := []string{
		"-y", "-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", size.X, size.Y),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", profile.Encoder,
	}
	if profile.Tag != "" {
		args = append(args, "-vtag", profile.Tag)
	}
	args = append(args, "-pix_fmt", "yuv420p", "-q:v", "3", path)

	cmd := exec.CommandContext(ctx, c.FFmpegPath, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	slog.Debug("encoder opened", "path", path, "profile", profile.String(), "fps", fps)
	return &ffmpegEncoder{
		cmd:    cmd,
		in:     stdin,
		stderr: stderr,
		size:   size,
		buf:    make([]byte, size.X*size.Y*3),
	}, nil
}

type ffmpegEncoder struct {
	cmd    *exec.Cmd
	in     io.WriteCloser
	stderr *bytes.Buffer
	size   image.Point
	buf    []byte
	closed bool
}

func (e *ffmpegEncoder) WriteFrame(img image.Image) error {
	if e.closed {
		return errors.New("encoder closed")
	}
	if img.Bounds().Size() != e.size {
		return fmt.Errorf("frame size %v does not match encoder size %v", img.Bounds().Size(), e.size)
	}
	rgba := ToRGBA(img)
	for i, j := 0, 0; j < len(e.buf); i, j = i+4, j+3 {
		e.buf[j] = rgba.Pix[i]
		e.buf[j+1] = rgba.Pix[i+1]
		e.buf[j+2] = rgba.Pix[i+2]
	}
	if _, err := e.in.Write(e.buf); err != nil {
		return fmt.Errorf("write frame: %w: %s", err, strings.TrimSpace(e.stderr.String()))
	}
	return nil
}

func (e *ffmpegEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	cerr := e.in.Close()
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode: %w: %s", err, strings.TrimSpace(e.stderr.String()))
	}
	return cerr
}
