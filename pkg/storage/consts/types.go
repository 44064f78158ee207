package consts

const (
	DefaultImagesDir   = "images"
	DefaultLogsDir     = "logs"
	DefaultSettingsDir = "settings"
	DefaultInfoFile    = "deployment.json"

	DefaultImageExt = ".jpg"
	DefaultVideoExt = ".avi"

	DefaultFilePerm = 0664
	DefaultDirPerm  = 0775

	// DeploymentLayout names deployment directories after the start time.
	DeploymentLayout = "D20060102-T150405"
	// ImageTimeLayout is the timestamp embedded in image and video file names.
	ImageTimeLayout = "D20060102-T150405.000"
	// DBTimeLayout is how times are stored in the metadata database.
	DBTimeLayout = "2006-01-02 15:04:05.000"

	// MaxShortImageNumber is the largest number written with six digits.
	MaxShortImageNumber = 999999
)
