package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultProfileName = "default"

// VideoProfile controls how recorded frames are split into video files.
type VideoProfile struct {
	FileExt          string `yaml:"file_ext" json:"file_ext"`
	MaxFramesPerFile int    `yaml:"max_frames_per_file" json:"max_frames_per_file"`
	// Framerate written into the container. Zero uses the trigger rate.
	Framerate int `yaml:"framerate" json:"framerate"`
}

func DefaultProfile() VideoProfile {
	return VideoProfile{
		FileExt:          ".avi",
		MaxFramesPerFile: 5000,
	}
}

// LoadProfiles reads named video profiles from a YAML file. A missing file
// is not an error; the built-in default profile is always present.
func LoadProfiles(path string) (map[string]VideoProfile, error) {
	res := map[string]VideoProfile{DefaultProfileName: DefaultProfile()}
	if path == "" {
		return res, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read video profiles %s: %w", path, err)
	}

	var raw map[string]VideoProfile
	if err = yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse video profiles %s: %w", path, err)
	}
	for name, p := range raw {
		def := DefaultProfile()
		if p.FileExt == "" {
			p.FileExt = def.FileExt
		}
		if p.MaxFramesPerFile <= 0 {
			p.MaxFramesPerFile = def.MaxFramesPerFile
		}
		res[name] = p
	}

	return res, nil
}
