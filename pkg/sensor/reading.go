package sensor

import (
	"errors"
	"strings"
	"time"

	"camtrawl-acq/pkg/types"
)

var ErrEmptyLine = errors.New("empty sensor line")

// ParseLine turns one line of device output into a reading. The header is
// the first comma separated field. When addHeader is set the device sends
// bare values: the header becomes addHeader and it is prepended to the data.
func ParseLine(sensorID, line string, rx time.Time, addHeader string) (types.SensorReading, error) {
	data := strings.TrimSpace(line)
	if data == "" {
		return types.SensorReading{}, ErrEmptyLine
	}

	var header string
	if addHeader != "" {
		header = addHeader
		data = addHeader + "," + data
	} else {
		header, _, _ = strings.Cut(data, ",")
		header = strings.TrimSpace(header)
	}

	return types.SensorReading{
		SensorID: sensorID,
		Header:   header,
		Time:     rx,
		Data:     data,
	}, nil
}
