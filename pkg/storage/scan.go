package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"camtrawl-acq/pkg/storage/consts"
)

// NextImageNumberFromFiles finds the highest image number among the files in
// the per-camera directories under imageDir and returns it plus one. Files
// that do not start with a number are ignored. It returns 1 when nothing is
// found.
func NextImageNumberFromFiles(imageDir string) (int64, error) {
	camDirs, err := os.ReadDir(imageDir)
	if os.IsNotExist(err) {
		return 1, nil
	}
	if err != nil {
		return 1, fmt.Errorf("list image dir %s: %w", imageDir, err)
	}

	var maxNum int64 = -1
	for _, camDir := range camDirs {
		if !camDir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(imageDir, camDir.Name()))
		if err != nil {
			return 1, fmt.Errorf("list camera dir %s: %w", camDir.Name(), err)
		}
		for _, f := range files {
			if n, ok := ParseImageNumber(f.Name()); ok && n > maxNum {
				maxNum = n
			}
		}
	}
	if maxNum < 0 {
		return 1, nil
	}

	return maxNum + 1, nil
}

// ParseImageNumber extracts the number prefix of an image or video file name.
func ParseImageNumber(name string) (int64, bool) {
	prefix, _, _ := strings.Cut(name, "_")
	n, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}

// ImageBaseName is the file name, without extension, of an image:
// NNNNNN_D20060102-T150405.000_camera. Numbers above 999999 use nine digits.
func ImageBaseName(number int64, ts time.Time, camera string) string {
	var num string
	if number > consts.MaxShortImageNumber {
		num = fmt.Sprintf("%09d", number)
	} else {
		num = fmt.Sprintf("%06d", number)
	}

	return num + "_" + ts.Format(consts.ImageTimeLayout) + "_" + camera
}
