package video

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/icza/mjpeg"

	"camtrawl-acq/pkg/storage"
	"camtrawl-acq/pkg/types"
)

// Recorder appends JPEG frames of one camera to MJPEG AVI files, starting a
// new file every maxFrames frames.
type Recorder struct {
	dir       string
	camera    string
	ext       string
	width     int
	height    int
	fps       int
	maxFrames int

	aw  mjpeg.AviWriter
	cnt int
	seg types.VideoSegment
}

func NewRecorder(dir, camera, ext string, width, height, fps, maxFrames int) *Recorder {
	if fps <= 0 {
		fps = 1
	}
	if maxFrames <= 0 {
		maxFrames = 1
	}
	return &Recorder{
		dir:       dir,
		camera:    camera,
		ext:       ext,
		width:     width,
		height:    height,
		fps:       fps,
		maxFrames: maxFrames,
	}
}

// Add writes frame. The file is named after the first frame it holds. When
// the frame fills the current file the file is closed and its segment
// returned.
func (r *Recorder) Add(frame []byte, number int64, ts time.Time) (*types.VideoSegment, error) {
	if r.aw == nil {
		if err := r.open(number, ts); err != nil {
			return nil, err
		}
	}
	if err := r.aw.AddFrame(frame); err != nil {
		return nil, fmt.Errorf("add frame %d to %s: %w", number, r.seg.Filename, err)
	}
	r.cnt++
	r.seg.EndFrame = number
	r.seg.EndTime = ts

	if r.cnt >= r.maxFrames {
		return r.Close()
	}

	return nil, nil
}

// Close finishes the open file, if any, and returns its segment.
func (r *Recorder) Close() (*types.VideoSegment, error) {
	if r.aw == nil {
		return nil, nil
	}
	err := r.aw.Close()
	r.aw = nil
	seg := r.seg
	r.cnt = 0
	if err != nil {
		return nil, fmt.Errorf("close video %s: %w", seg.Filename, err)
	}

	return &seg, nil
}

// Frames is the number of frames in the open file.
func (r *Recorder) Frames() int {
	return r.cnt
}

func (r *Recorder) open(number int64, ts time.Time) error {
	name := storage.ImageBaseName(number, ts, r.camera) + r.ext
	aw, err := mjpeg.New(filepath.Join(r.dir, name), int32(r.width), int32(r.height), int32(r.fps))
	if err != nil {
		return fmt.Errorf("create video %s: %w", name, err)
	}
	r.aw = aw
	r.cnt = 0
	r.seg = types.VideoSegment{
		Camera:     r.camera,
		Filename:   name,
		StartFrame: number,
		EndFrame:   number,
		StartTime:  ts,
		EndTime:    ts,
	}

	return nil
}
