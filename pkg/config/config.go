package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

const (
	OutputSeparate = "separate"
	OutputCombined = "combined"

	SensorSynchronous  = "synchronous"
	SensorAsynchronous = "asynchronous"

	// ControllerSensorID is the sensor id the control board's own telemetry is
	// logged under.
	ControllerSensorID = "CTControl"

	EnvPrefix = "CAMTRAWL"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is assembled once by Load and then only read.
type Config struct {
	Application Application `mapstructure:"application"`
	Acquisition Acquisition `mapstructure:"acquisition"`
	Server      Server      `mapstructure:"server"`
	Sensors     Sensors     `mapstructure:"sensors"`
	Controller  Controller  `mapstructure:"controller"`
	Metadata    Metadata    `mapstructure:"metadata"`
	Telemetry   Telemetry   `mapstructure:"telemetry"`

	// Cameras holds the camera sections keyed by camera name. The "default"
	// entry, if present, applies to every camera without its own entry.
	Cameras map[string]Camera `mapstructure:"-"`

	Profiles map[string]VideoProfile `mapstructure:"-"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`
}

type Application struct {
	OutputMode           string   `mapstructure:"output_mode" json:"output_mode"`
	OutputPath           string   `mapstructure:"output_path" json:"output_path"`
	LogLevel             string   `mapstructure:"log_level" json:"log_level"`
	DatabaseName         string   `mapstructure:"database_name" json:"database_name"`
	ShutDownOnExit       bool     `mapstructure:"shut_down_on_exit" json:"shut_down_on_exit"`
	AlwaysTriggerAtStart bool     `mapstructure:"always_trigger_at_start" json:"always_trigger_at_start"`
	DiskFreeMonitor      bool     `mapstructure:"disk_free_monitor" json:"disk_free_monitor"`
	DiskFreeMinMB        uint64   `mapstructure:"disk_free_min_mb" json:"disk_free_min_mb"`
	DiskFreeCheckIntMS   int      `mapstructure:"disk_free_check_int_ms" json:"disk_free_check_int_ms"`
	ShutdownCommand      []string `mapstructure:"shutdown_command" json:"shutdown_command"`
	NTPServer            string   `mapstructure:"ntp_server" json:"ntp_server"`
}

type Acquisition struct {
	TriggerRate          float64 `mapstructure:"trigger_rate" json:"trigger_rate"`
	TriggerLimit         int64   `mapstructure:"trigger_limit" json:"trigger_limit"`
	VideoLogFrames       bool    `mapstructure:"video_log_frames" json:"video_log_frames"`
	VideoSyncDataDivider int64   `mapstructure:"video_sync_data_divider" json:"video_sync_data_divider"`
	StillSyncDataDivider int64   `mapstructure:"still_sync_data_divider" json:"still_sync_data_divider"`
	VideoProfilesFile    string  `mapstructure:"video_profiles_file" json:"video_profiles_file"`
}

type Server struct {
	StartServer          bool   `mapstructure:"start_server" json:"start_server"`
	ServerPort           int    `mapstructure:"server_port" json:"server_port"`
	ServerInterface      string `mapstructure:"server_interface" json:"server_interface"`
	WebdavPort           int    `mapstructure:"webdav_port" json:"webdav_port"`
	WebdavInDownloadMode bool   `mapstructure:"webdav_in_download_mode" json:"webdav_in_download_mode"`
}

func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.ServerInterface, s.ServerPort)
}

func (s Server) WebdavAddr() string {
	return fmt.Sprintf("%s:%d", s.ServerInterface, s.WebdavPort)
}

type Sensors struct {
	DefaultType            string            `mapstructure:"default_type" json:"default_type"`
	Synchronous            []string          `mapstructure:"synchronous" json:"synchronous"`
	Asynchronous           []string          `mapstructure:"asynchronous" json:"asynchronous"`
	SynchronousTimeoutSecs float64           `mapstructure:"synchronous_timeout_secs" json:"synchronous_timeout_secs"`
	InstalledSensors       map[string]Sensor `mapstructure:"installed_sensors" json:"installed_sensors"`
}

type Sensor struct {
	// Type forces every header of this sensor to one class. Empty defers to
	// the header lists and then DefaultType.
	Type              string   `mapstructure:"type" json:"type"`
	LoggingIntervalMS int      `mapstructure:"logging_interval_ms" json:"logging_interval_ms"`
	IgnoreHeaders     []string `mapstructure:"ignore_headers" json:"ignore_headers"`
	AddHeader         string   `mapstructure:"add_header" json:"add_header"`
	// UDPPort is the local port the device sends its lines to. Zero means the
	// sensor is fed by another source (the controller for instance).
	UDPPort int    `mapstructure:"udp_port" json:"udp_port"`
	TxAddr  string `mapstructure:"tx_address" json:"tx_address"`
}

type Controller struct {
	UseController bool   `mapstructure:"use_controller" json:"use_controller"`
	SerialPort    string `mapstructure:"serial_port" json:"serial_port"`
	BaudRate      int    `mapstructure:"baud_rate" json:"baud_rate"`
	// Address of the serial server the board is attached to (host:port).
	// "sim" runs the built-in simulated board.
	Address       string `mapstructure:"address" json:"address"`
	StrobePreFire int    `mapstructure:"strobe_pre_fire" json:"strobe_pre_fire"`
	StrobeChannel int    `mapstructure:"strobe_channel" json:"strobe_channel"`
}

type Metadata struct {
	VesselName        string `mapstructure:"vessel_name" json:"vessel_name"`
	SurveyName        string `mapstructure:"survey_name" json:"survey_name"`
	CameraName        string `mapstructure:"camera_name" json:"camera_name"`
	SurveyDescription string `mapstructure:"survey_description" json:"survey_description"`
}

type Telemetry struct {
	Broker      string `mapstructure:"broker" json:"broker"`
	ClientID    string `mapstructure:"client_id" json:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix" json:"topic_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("application.output_mode", OutputSeparate)
	v.SetDefault("application.output_path", "./data")
	v.SetDefault("application.log_level", "INFO")
	v.SetDefault("application.database_name", "CamtrawlMetadata.db3")
	v.SetDefault("application.shut_down_on_exit", false)
	v.SetDefault("application.always_trigger_at_start", false)
	v.SetDefault("application.disk_free_monitor", true)
	v.SetDefault("application.disk_free_min_mb", 150)
	v.SetDefault("application.disk_free_check_int_ms", 5000)
	v.SetDefault("application.shutdown_command", []string{"sudo", "shutdown", "-h", "+1"})
	v.SetDefault("application.ntp_server", "")

	v.SetDefault("acquisition.trigger_rate", 5)
	v.SetDefault("acquisition.trigger_limit", -1)
	v.SetDefault("acquisition.video_log_frames", false)
	v.SetDefault("acquisition.video_sync_data_divider", 15)
	v.SetDefault("acquisition.still_sync_data_divider", 1)
	v.SetDefault("acquisition.video_profiles_file", "VideoProfiles.yml")

	v.SetDefault("server.start_server", false)
	v.SetDefault("server.server_port", 7889)
	v.SetDefault("server.server_interface", "0.0.0.0")
	v.SetDefault("server.webdav_port", 7890)
	v.SetDefault("server.webdav_in_download_mode", true)

	v.SetDefault("sensors.default_type", SensorSynchronous)
	v.SetDefault("sensors.synchronous", []string{})
	v.SetDefault("sensors.asynchronous", []string{})
	v.SetDefault("sensors.synchronous_timeout_secs", 5)

	v.SetDefault("controller.use_controller", false)
	v.SetDefault("controller.serial_port", "COM3")
	v.SetDefault("controller.baud_rate", 921600)
	v.SetDefault("controller.address", "")
	v.SetDefault("controller.strobe_pre_fire", 150)
	v.SetDefault("controller.strobe_channel", -1)

	v.SetDefault("metadata.vessel_name", "")
	v.SetDefault("metadata.survey_name", "")
	v.SetDefault("metadata.camera_name", "Camtrawl")
	v.SetDefault("metadata.survey_description", "")

	v.SetDefault("telemetry.broker", "")
	v.SetDefault("telemetry.client_id", "camtrawl-acq")
	v.SetDefault("telemetry.topic_prefix", "camtrawl")
}

// Load reads the config file (if any) over the defaults, applies CAMTRAWL_*
// environment overrides and loads the video profiles. The result is
// validated.
func Load(file, profilesFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	cameras, err := loadCameras(v)
	if err != nil {
		return nil, err
	}
	cfg.Cameras = cameras

	if profilesFile == "" {
		profilesFile = cfg.Acquisition.VideoProfilesFile
		if profilesFile != "" && !filepath.IsAbs(profilesFile) && cfg.File != "" {
			profilesFile = filepath.Join(filepath.Dir(cfg.File), profilesFile)
		}
	}
	cfg.Profiles, err = LoadProfiles(profilesFile)
	if err != nil {
		return nil, err
	}

	if cfg.Controller.UseController {
		cfg.addControllerSensor()
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Load("", "")
	if err != nil {
		// the built-in defaults always validate
		panic(err)
	}
	return cfg
}

func loadCameras(v *viper.Viper) (map[string]Camera, error) {
	res := make(map[string]Camera)
	for name := range v.GetStringMap("cameras") {
		c := DefaultCamera()
		if sub := v.Sub("cameras." + name); sub != nil {
			if err := sub.Unmarshal(&c); err != nil {
				return nil, fmt.Errorf("failed to unmarshal camera %s: %w", name, err)
			}
		}
		c.Name = name
		res[name] = c
	}

	return res, nil
}

// addControllerSensor registers the control board as a sensor so its
// telemetry is logged like any other device.
func (c *Config) addControllerSensor() {
	c.Sensors.Synchronous = appendMissing(c.Sensors.Synchronous, "$OHPR")
	c.Sensors.Asynchronous = appendMissing(c.Sensors.Asynchronous, "$CTCS", "$SBCS", "$IMUC", "$CTSV", "setPCState")
	if c.Sensors.InstalledSensors == nil {
		c.Sensors.InstalledSensors = make(map[string]Sensor)
	}
	key := strings.ToLower(ControllerSensorID)
	if _, ok := c.Sensors.InstalledSensors[key]; !ok {
		c.Sensors.InstalledSensors[key] = Sensor{}
	}
}

func appendMissing(list []string, items ...string) []string {
	for _, it := range items {
		if !slices.Contains(list, it) {
			list = append(list, it)
		}
	}
	return list
}

// CameraConfig returns the settings for an enumerated camera: its own
// section if there is one, else the "default" section. ok is false when
// neither exists and the camera should not be used. Names are matched
// case-insensitively since config keys are folded to lower case.
func (c *Config) CameraConfig(name string) (cam Camera, ok bool) {
	for key, cc := range c.Cameras {
		if key != DefaultCameraKey && strings.EqualFold(key, name) {
			cc.Name = name
			return cc, true
		}
	}
	if cc, found := c.Cameras[DefaultCameraKey]; found {
		cc.Name = name
		return cc, true
	}

	return Camera{}, false
}

// NamedCameras lists the camera sections other than "default", sorted.
func (c *Config) NamedCameras() []Camera {
	var res []Camera
	for key, cc := range c.Cameras {
		if key == DefaultCameraKey {
			continue
		}
		if cc.Name == "" {
			cc.Name = key
		}
		res = append(res, cc)
	}
	slices.SortFunc(res, func(a, b Camera) int { return strings.Compare(a.Name, b.Name) })

	return res
}

// SensorConfig looks up an installed sensor by id, ignoring case.
func (c *Config) SensorConfig(id string) (Sensor, bool) {
	s, ok := c.Sensors.InstalledSensors[strings.ToLower(id)]
	return s, ok
}

func (c *Config) Validate() error {
	a := c.Application
	if a.OutputMode != OutputSeparate && a.OutputMode != OutputCombined {
		return fmt.Errorf("%w: application.output_mode must be %q or %q, got %q",
			ErrInvalid, OutputSeparate, OutputCombined, a.OutputMode)
	}
	if a.OutputPath == "" {
		return fmt.Errorf("%w: application.output_path cannot be empty", ErrInvalid)
	}
	if a.DiskFreeCheckIntMS <= 0 {
		return fmt.Errorf("%w: application.disk_free_check_int_ms must be positive", ErrInvalid)
	}
	if c.Acquisition.TriggerRate <= 0 {
		return fmt.Errorf("%w: acquisition.trigger_rate must be positive", ErrInvalid)
	}
	if c.Acquisition.StillSyncDataDivider <= 0 || c.Acquisition.VideoSyncDataDivider <= 0 {
		return fmt.Errorf("%w: sync data dividers must be positive", ErrInvalid)
	}
	switch c.Sensors.DefaultType {
	case SensorSynchronous, SensorAsynchronous:
	default:
		return fmt.Errorf("%w: sensors.default_type must be %q or %q, got %q",
			ErrInvalid, SensorSynchronous, SensorAsynchronous, c.Sensors.DefaultType)
	}
	for id, s := range c.Sensors.InstalledSensors {
		switch s.Type {
		case "", SensorSynchronous, SensorAsynchronous:
		default:
			return fmt.Errorf("%w: sensor %s has unknown type %q", ErrInvalid, id, s.Type)
		}
		if s.LoggingIntervalMS < 0 {
			return fmt.Errorf("%w: sensor %s logging_interval_ms cannot be negative", ErrInvalid, id)
		}
	}
	if c.Controller.UseController && c.Controller.Address == "" {
		return fmt.Errorf("%w: controller.address is required when use_controller is set", ErrInvalid)
	}
	for name, cam := range c.Cameras {
		if err := cam.Validate(); err != nil {
			return fmt.Errorf("%w: camera %s: %s", ErrInvalid, name, err)
		}
		if _, ok := c.Profiles[cam.VideoProfile]; cam.SaveVideo && !ok {
			return fmt.Errorf("%w: camera %s uses unknown video profile %q", ErrInvalid, name, cam.VideoProfile)
		}
	}

	return nil
}

// Exists reports whether a config file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
