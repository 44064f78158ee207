package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"camtrawl-acq/pkg/types"
)

func checkErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CamtrawlMetadata.db3")
	d, err := Open(path)
	checkErr(t, err)

	n, err := d.NextImageNumber()
	checkErr(t, err)
	if n != 1 {
		t.Fatalf("expected 1 for an empty database, got %d", n)
	}

	now := time.Now()
	checkErr(t, d.SetDeploymentMetadata(types.DeploymentMetadata{SurveyName: "DY2406", CameraName: "Camtrawl", StartTime: now}))
	checkErr(t, d.SetDeploymentParameter("image_extension", ".jpg"))
	checkErr(t, d.UpdateCamera(types.CameraRecord{Name: "left", Label: "Left"}))
	checkErr(t, d.RecordImage(types.ImageRecord{Number: 41, Camera: "left", Time: now, Name: "000041_x_left", StillImage: true}))
	checkErr(t, d.RecordImage(types.ImageRecord{Number: 41, Camera: "left", Time: now, Name: "000041_x_left", StillImage: true}))
	checkErr(t, d.RecordDroppedImage(42, "right", now))
	checkErr(t, d.RecordVideoSegment(types.VideoSegment{Camera: "left", Filename: "v.avi", StartFrame: 1, EndFrame: 9, StartTime: now, EndTime: now}))
	reading := types.SensorReading{SensorID: "gps", Header: "$GPGGA", Time: now, Data: "$GPGGA,1,2"}
	checkErr(t, d.RecordSyncSensor(types.SyncSensorRecord{Number: 41, SensorReading: reading}))
	checkErr(t, d.RecordSyncSensor(types.SyncSensorRecord{Number: 41, SensorReading: reading}))
	checkErr(t, d.RecordAsyncSensor(reading))

	n, err = d.NextImageNumber()
	checkErr(t, err)
	if n != 42 {
		t.Fatalf("expected 42, got %d", n)
	}
	checkErr(t, d.Close(now.Add(time.Minute)))
	checkErr(t, d.Close(now))

	if err = d.RecordAsyncSensor(reading); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	// a restart picks the numbering up where it left off
	d, err = Open(path)
	checkErr(t, err)
	defer d.Close(time.Now())
	n, err = d.NextImageNumber()
	checkErr(t, err)
	if n != 42 {
		t.Fatalf("expected 42 after reopening, got %d", n)
	}
}

func TestOpenWithAlternates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CamtrawlMetadata.db3")
	// not a database
	checkErr(t, os.WriteFile(path, []byte("this file is corrupt and certainly not sqlite, padding padding padding padding padding padding padding padding"), 0660))

	if _, err := OpenWithAlternates(path, false); err == nil {
		t.Fatal("expected an error without alternates")
	}

	d, err := OpenWithAlternates(path, true)
	checkErr(t, err)
	defer d.Close(time.Now())
	if d.Path() != filepath.Join(dir, "CamtrawlMetadata-0.db3") {
		t.Fatalf("unexpected alternate %s", d.Path())
	}
}

func TestAlternatePath(t *testing.T) {
	if got := AlternatePath("/data/logs/meta.db3", 7); got != "/data/logs/meta-7.db3" {
		t.Fatalf("unexpected alternate %s", got)
	}
}

func TestExecFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cameras").WillReturnResult(sqlmock.NewResult(0, 0))
	d, err := New(db, "mock")
	checkErr(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(number) FROM images")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	n, err := d.NextImageNumber()
	checkErr(t, err)
	if n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}

	diskFull := errors.New("database or disk is full")
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR REPLACE INTO dropped")).
		WithArgs(int64(7), "left", sqlmock.AnyArg()).
		WillReturnError(diskFull)
	if err = d.RecordDroppedImage(7, "left", time.Now()); !errors.Is(err, diskFull) {
		t.Fatalf("expected the driver error to be wrapped, got %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(number) FROM images")).WillReturnError(diskFull)
	if _, err = d.NextImageNumber(); err == nil {
		t.Fatal("expected a query error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("file is not a database"))
	if _, err = New(db, "mock"); err == nil {
		t.Fatal("expected a schema error")
	}
}
