package util

import (
	"crypto/md5"
	"fmt"
	"os"

	"camtrawl-acq/pkg/storage/consts"
)

func MkdirAll(dirs ...string) error {
	for _, d := range dirs {
		err := os.MkdirAll(d, consts.DefaultDirPerm)
		if err != nil {
			return err
		}
	}

	return nil
}

func MD5(data []byte) string {
	return fmt.Sprintf("%x", md5.Sum(data))
}
