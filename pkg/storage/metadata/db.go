package metadata

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"camtrawl-acq/pkg/storage/consts"
	"camtrawl-acq/pkg/types"
	"camtrawl-acq/pkg/utils"
)

// MaxAlternates bounds how many numbered alternate files are tried when the
// primary database file cannot be opened.
const MaxAlternates = 100

var ErrClosed = errors.New("metadata database is closed")

// DB is the metadata store of a deployment. It is written from a single
// goroutine only.
type DB struct {
	db     *sql.DB
	path   string
	start  string
	closed bool
	logger *zap.SugaredLogger
}

// Open opens (creating if needed) the SQLite file at path and makes sure the
// schema exists.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	d, err := New(db, path)
	if err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// New wraps an already opened database handle.
func New(db *sql.DB, path string) (*DB, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to create schema in %s: %w", path, err)
	}

	return &DB{db: db, path: path, logger: utils.GetLogger()}, nil
}

// OpenWithAlternates opens path; if that fails and alternates are allowed it
// tries name-0.ext, name-1.ext, ... up to MaxAlternates.
func OpenWithAlternates(path string, alternates bool) (*DB, error) {
	logger := utils.GetLogger()
	logger.Infof("metadata: opening database file %s", path)
	d, err := Open(path)
	if err == nil {
		return d, nil
	}
	if !alternates {
		return nil, err
	}
	logger.Errorf("metadata: error opening database file %s: %s. Attempting to open an alternate...", path, err)

	for i := 0; i < MaxAlternates; i++ {
		alt := AlternatePath(path, i)
		logger.Infof("metadata:   opening database file %s", alt)
		d, altErr := Open(alt)
		if altErr == nil {
			return d, nil
		}
		logger.Errorf("metadata:   error opening alternate database file %s: %s", alt, altErr)
	}

	return nil, fmt.Errorf("no usable database among %s and %d alternates: %w", path, MaxAlternates, err)
}

func AlternatePath(path string, n int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(path, ext), n, ext)
}

func (d *DB) Path() string {
	return d.path
}

// NextImageNumber returns one more than the highest image number recorded,
// or 1 for an empty database.
func (d *DB) NextImageNumber() (int64, error) {
	if d.closed {
		return 0, ErrClosed
	}
	var maxNum sql.NullInt64
	if err := d.db.QueryRow("SELECT MAX(number) FROM images").Scan(&maxNum); err != nil {
		return 0, fmt.Errorf("query max image number: %w", err)
	}
	if !maxNum.Valid {
		return 1, nil
	}

	return maxNum.Int64 + 1, nil
}

func (d *DB) RecordImage(r types.ImageRecord) error {
	return d.exec("insert image",
		`INSERT OR REPLACE INTO images (number, camera, time, name, exposure_us, gain, still_image, video_frame, discarded, md5_checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Number, r.Camera, timeString(r.Time), r.Name, r.ExposureUS, r.Gain,
		boolInt(r.StillImage), boolInt(r.VideoFrame), boolInt(r.Discarded), r.MD5)
}

func (d *DB) RecordDroppedImage(number int64, camera string, t time.Time) error {
	return d.exec("insert dropped image",
		"INSERT OR REPLACE INTO dropped (number, camera, time) VALUES (?, ?, ?)",
		number, camera, timeString(t))
}

func (d *DB) RecordVideoSegment(s types.VideoSegment) error {
	return d.exec("insert video",
		`INSERT OR REPLACE INTO videos (camera, filename, start_frame, end_frame, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.Camera, s.Filename, s.StartFrame, s.EndFrame, timeString(s.StartTime), timeString(s.EndTime))
}

func (d *DB) RecordSyncSensor(r types.SyncSensorRecord) error {
	return d.exec("insert sensor data",
		"INSERT OR IGNORE INTO sensor_data (number, time, sensor_id, header, data) VALUES (?, ?, ?, ?, ?)",
		r.Number, timeString(r.Time), r.SensorID, r.Header, r.Data)
}

func (d *DB) RecordAsyncSensor(r types.SensorReading) error {
	return d.exec("insert async data",
		"INSERT OR IGNORE INTO async_data (time, sensor_id, header, data) VALUES (?, ?, ?, ?)",
		timeString(r.Time), r.SensorID, r.Header, r.Data)
}

func (d *DB) UpdateCamera(c types.CameraRecord) error {
	return d.exec("update camera",
		`INSERT OR REPLACE INTO cameras (camera, device_id, serial_number, label, rotation, device_version, device_speed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.DeviceID, c.Serial, c.Label, c.Rotation, c.Version, c.Speed)
}

func (d *DB) SetDeploymentMetadata(m types.DeploymentMetadata) error {
	d.start = timeString(m.StartTime)
	return d.exec("insert deployment",
		`INSERT INTO deployment (survey_name, vessel_name, camera_name, survey_description, start_time)
		VALUES (?, ?, ?, ?, ?)`,
		m.SurveyName, m.VesselName, m.CameraName, m.Description, d.start)
}

func (d *DB) SetDeploymentParameter(name, value string) error {
	return d.exec("set deployment parameter",
		"INSERT OR REPLACE INTO deployment_data (deployment_parameter, parameter_value) VALUES (?, ?)",
		name, value)
}

// Close records the deployment end time (when deployment metadata was set)
// and closes the database.
func (d *DB) Close(end time.Time) error {
	if d.closed {
		return nil
	}
	var errs []error
	if d.start != "" {
		errs = append(errs, d.exec("update deployment end time",
			"UPDATE deployment SET end_time = ? WHERE start_time = ?", timeString(end), d.start))
	}
	d.closed = true
	errs = append(errs, d.db.Close())

	return errors.Join(errs...)
}

func (d *DB) exec(what, query string, args ...any) error {
	if d.closed {
		return ErrClosed
	}
	if _, err := d.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}

	return nil
}

func timeString(t time.Time) string {
	return t.Format(consts.DBTimeLayout)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
