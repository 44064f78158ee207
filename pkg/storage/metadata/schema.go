package metadata

// Schema creates the metadata tables. Column names and keys match the
// deployment databases produced by earlier acquisition software so existing
// tools can read them.
const Schema = `
CREATE TABLE IF NOT EXISTS cameras (camera TEXT NOT NULL, device_id TEXT, serial_number TEXT, label TEXT,
	rotation TEXT, device_version TEXT, device_speed TEXT, PRIMARY KEY(camera));
CREATE TABLE IF NOT EXISTS images (number INTEGER NOT NULL, camera TEXT NOT NULL, time TEXT, name TEXT,
	exposure_us INTEGER, gain FLOAT, still_image INTEGER, video_frame INTEGER, discarded INTEGER,
	md5_checksum TEXT, PRIMARY KEY(number, camera));
CREATE TABLE IF NOT EXISTS videos (camera TEXT NOT NULL, filename TEXT NOT NULL, start_frame INTEGER NOT NULL,
	end_frame INTEGER NOT NULL, start_time TEXT NOT NULL, end_time TEXT NOT NULL, PRIMARY KEY(camera, filename));
CREATE TABLE IF NOT EXISTS dropped (number INTEGER NOT NULL, camera TEXT NOT NULL, time TEXT,
	PRIMARY KEY(number, camera));
CREATE TABLE IF NOT EXISTS sensor_data (number INTEGER NOT NULL, time TEXT NOT NULL, sensor_id TEXT NOT NULL,
	header TEXT NOT NULL, data TEXT, PRIMARY KEY(number, time, sensor_id, header));
CREATE TABLE IF NOT EXISTS async_data (time TEXT NOT NULL, sensor_id TEXT NOT NULL, header TEXT NOT NULL,
	data TEXT, PRIMARY KEY(time, sensor_id, header));
CREATE TABLE IF NOT EXISTS deployment_data (deployment_parameter TEXT NOT NULL, parameter_value TEXT NOT NULL,
	PRIMARY KEY(deployment_parameter));
CREATE TABLE IF NOT EXISTS deployment (deployment_name TEXT, survey_name TEXT, vessel_name TEXT,
	camera_name TEXT, survey_description TEXT, start_time TEXT, end_time TEXT, latitude NUMBER,
	longitude NUMBER, max_depth NUMBER, comments TEXT);
`
