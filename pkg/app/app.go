package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"camtrawl-acq/pkg/acquisition"
	"camtrawl-acq/pkg/camera"
	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/controller"
	"camtrawl-acq/pkg/metrics"
	"camtrawl-acq/pkg/sensor"
	"camtrawl-acq/pkg/server"
	"camtrawl-acq/pkg/storage"
	"camtrawl-acq/pkg/storage/metadata"
	"camtrawl-acq/pkg/telemetry"
	"camtrawl-acq/pkg/types"
	"camtrawl-acq/pkg/utils"
	"camtrawl-acq/pkg/utils/ps"
	"camtrawl-acq/pkg/webdav"
)

const (
	settingsFile = "camtrawl.json"
	videoExt     = ".avi"
	// clockOffsetWarn is the NTP offset above which image timestamps are
	// considered suspect.
	clockOffsetWarn = time.Second
)

var (
	ErrLowDisk             = errors.New("insufficient disk space")
	ErrPersistenceDisabled = errors.New("metadata database disabled")
)

// App is one acquisition run wired to its deployment directory, database,
// cameras, controller, sensors and servers.
type App struct {
	cfg     *config.Config
	dep     *storage.Deployment
	acq     *acquisition.Acquisition
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

// Options adjust New for embedding and tests.
type Options struct {
	// Acquisition is the base the wired acquisition options start from.
	Acquisition acquisition.Options
	// LogToFile sends the log to the deployment log directory as well.
	LogToFile bool
	// PowerOff replaces running application.shutdown_command.
	PowerOff func() error
}

// New creates the deployment and wires every component. Errors that only
// stop the acquisition (no disk space, no controller) do not fail New;
// they fail the run so the delayed power-off still applies.
func New(cfg *config.Config, start time.Time, opts Options) (*App, error) {
	combined := cfg.Application.OutputMode == config.OutputCombined
	dep, err := storage.NewDeployment(cfg.Application.OutputPath, combined, start)
	if err != nil {
		return nil, err
	}
	if opts.LogToFile {
		if err = utils.InitLogger(cfg.Application.LogLevel, dep.LogFile()); err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	} else if err = utils.SetLevel(cfg.Application.LogLevel); err != nil {
		return nil, err
	}

	ap := &App{
		cfg:     cfg,
		dep:     dep,
		metrics: metrics.New(),
		logger:  utils.GetLogger(),
	}
	if cfg.File != "" {
		ap.logger.Infof("app: configuration loaded from %s", cfg.File)
	}
	ap.logger.Infof("app: logging data to %s", dep.RootDir)

	var setupErr error
	if cfg.Application.DiskFreeMonitor {
		setupErr = ap.checkDisk()
	}
	ap.checkClock()

	store, number := ap.openStore(combined, start)
	if err = dep.SaveSettings(settingsFile, cfg); err != nil {
		ap.logger.Warnf("app: %s", err)
	}

	ao := opts.Acquisition
	ao.Metrics = ap.metrics
	ao.DataDir = dep.RootDir
	ao.ImageNumber = number
	ao.ReleaseDrivers = camera.ReleaseAll
	ao.PowerOff = opts.PowerOff
	if ao.PowerOff == nil {
		ao.PowerOff = ap.powerOff
	}
	if store != nil {
		ao.Store = store
	}
	if cfg.Telemetry.Broker != "" {
		pub, err := telemetry.Connect(cfg.Telemetry)
		if err != nil {
			ap.logger.Warnf("app: telemetry disabled: %s", err)
		} else {
			ao.Telemetry = pub
		}
	}
	if cfg.Controller.UseController && cfg.Server.WebdavInDownloadMode {
		ao.Download = webdav.New(cfg.Server.WebdavAddr(), dep.RootDir)
	}

	var (
		acq  *acquisition.Acquisition
		line *camera.HardwareLine
		ctrl controller.Controller
	)
	if cfg.Controller.UseController {
		pulses := camera.NewHardwareLine()
		// the board emits nothing before Start, which Run calls
		ctrl, err = controller.New(cfg.Controller, pulses, func(e controller.Event) { acq.OnControllerEvent(e) })
		if err != nil {
			setupErr = errors.Join(setupErr, fmt.Errorf("controller: %w", err))
		} else if _, ok := ctrl.(*controller.Sim); ok {
			// the simulated board drives the simulated trigger inputs
			line = pulses
		}
	}
	ao.SetupError = setupErr
	acq = acquisition.New(cfg, ao)
	if ctrl != nil {
		acq.SetController(ctrl)
	}
	ap.acq = acq

	for _, cc := range ap.cameraConfigs() {
		drv, err := camera.NewDriver(cc, line)
		if err != nil {
			ap.logger.Errorf("app: camera %s: %s", cc.Name, err)
			continue
		}
		w := camera.NewWorker(cc, drv, camera.Options{
			ImageDir:    dep.CameraImageDir(cc.Name),
			Profile:     cfg.Profiles[cc.VideoProfile],
			TriggerRate: cfg.Acquisition.TriggerRate,
		}, acq.OnCameraEvent)
		acq.AddCamera(w)
		dep.Info.Cameras = append(dep.Info.Cameras, cc.Name)
	}

	if len(cfg.Sensors.InstalledSensors) > 0 {
		acq.SetSensorMonitor(sensor.NewMonitor(cfg.Sensors, acq.OnSensorReading))
	}
	if cfg.Server.StartServer {
		srv := server.New(cfg.Server.Addr(), acq, ap.metrics)
		srv.Start()
		acq.SetServer(srv)
	}

	dep.Info.FirstImage = number
	dep.Info.UseDB = store != nil
	if err = dep.DumpInfo(); err != nil {
		ap.logger.Warnf("app: %s", err)
	}

	return ap, nil
}

func (ap *App) Acquisition() *acquisition.Acquisition {
	return ap.acq
}

func (ap *App) Deployment() *storage.Deployment {
	return ap.dep
}

// Run acquires until the run ends, by signal, controller, limit or error.
func (ap *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	utils.WatchSignal(ctx, func(s os.Signal) {
		ap.logger.Infof("app: %s received, stopping", s)
		ap.acq.Stop(false)
	})

	err := ap.acq.Run(ctx)

	res := ap.acq.Result()
	end := time.Now()
	ap.dep.Info.EndedAt = &end
	ap.dep.Info.LastImage = res.ImageNumber - 1
	if dumpErr := ap.dep.DumpInfo(); dumpErr != nil {
		ap.logger.Warnf("app: %s", dumpErr)
	}
	ap.logger.Infof("app: %d images in this run, %d cycles with stills, %d with video frames",
		res.ThisImages, res.SavedStills, res.SavedFrames)

	return err
}

func (ap *App) checkDisk() error {
	ok, d, err := ps.FreeSpaceOK(ap.dep.RootDir, ap.cfg.Application.DiskFreeMinMB)
	if err != nil {
		ap.logger.Warnf("app: %s", err)
		return nil
	}
	ap.logger.Infof("app: %s", d)
	if !ok {
		return fmt.Errorf("%w: %d MB free, %d MB required", ErrLowDisk, d.FreeMB(), ap.cfg.Application.DiskFreeMinMB)
	}

	return nil
}

func (ap *App) checkClock() {
	server := ap.cfg.Application.NTPServer
	if server == "" {
		return
	}
	offset, err := utils.ClockOffset(server)
	if err != nil {
		ap.logger.Warnf("app: %s", err)
		return
	}
	if offset.Abs() > clockOffsetWarn {
		ap.logger.Warnf("app: system clock is off by %s according to %s", offset, server)
		return
	}
	ap.logger.Infof("app: system clock offset %s", offset)
}

// openStore opens the metadata database and finds the first image number.
// Without a database the number comes from the image files on disk.
func (ap *App) openStore(combined bool, start time.Time) (*metadata.DB, int64) {
	db, err := metadata.OpenWithAlternates(ap.dep.DatabasePath(ap.cfg.Application.DatabaseName), combined)
	if err != nil {
		ap.logger.Errorf("app: %s", fmt.Errorf("%w: %w", ErrPersistenceDisabled, err))
		return nil, ap.numberFromFiles()
	}
	number, err := db.NextImageNumber()
	if err != nil {
		ap.logger.Warnf("app: %s", err)
		number = ap.numberFromFiles()
	}

	md := ap.cfg.Metadata
	err = errors.Join(
		db.SetDeploymentMetadata(types.DeploymentMetadata{
			VesselName:  md.VesselName,
			SurveyName:  md.SurveyName,
			CameraName:  md.CameraName,
			Description: md.SurveyDescription,
			StartTime:   start,
		}),
		db.SetDeploymentParameter("image_extension", ap.imageExt()),
		db.SetDeploymentParameter("video_extension", videoExt),
	)
	if err != nil {
		ap.logger.Warnf("app: %s", err)
	}

	return db, number
}

func (ap *App) numberFromFiles() int64 {
	n, err := storage.NextImageNumberFromFiles(ap.dep.ImageDir)
	if err != nil {
		ap.logger.Warnf("app: %s", err)
	}
	return n
}

func (ap *App) imageExt() string {
	if c, ok := ap.cfg.Cameras[config.DefaultCameraKey]; ok && c.StillImageExtension != "" {
		return c.StillImageExtension
	}
	for _, c := range ap.cfg.Cameras {
		if c.StillImageExtension != "" {
			return c.StillImageExtension
		}
	}
	return config.DefaultCamera().StillImageExtension
}

// cameraConfigs lists the cameras to run: every named section, plus each
// V4L2 device not claimed by one when a default section exists.
func (ap *App) cameraConfigs() []config.Camera {
	res := ap.cfg.NamedCameras()
	claimed := make(map[string]bool)
	for _, c := range res {
		if c.Device != "" {
			claimed[c.Device] = true
		}
	}

	def, ok := ap.cfg.Cameras[config.DefaultCameraKey]
	if !ok || !strings.EqualFold(def.Driver, config.DriverV4L2) {
		return res
	}
	devices, err := camera.Enumerate(config.DriverV4L2)
	if err != nil {
		ap.logger.Warnf("app: enumerate cameras: %s", err)
		return res
	}
	for _, dev := range devices {
		if claimed[dev] {
			continue
		}
		cc, _ := ap.cfg.CameraConfig(filepath.Base(dev))
		cc.Device = dev
		res = append(res, cc)
	}

	return res
}

func (ap *App) powerOff() error {
	cmd := ap.cfg.Application.ShutdownCommand
	if len(cmd) == 0 {
		return errors.New("application.shutdown_command is empty")
	}
	ap.logger.Infof("app: running %s", strings.Join(cmd, " "))

	return exec.Command(cmd[0], cmd[1:]...).Start()
}
