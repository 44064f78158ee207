package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"camtrawl-acq/pkg/storage/consts"
	"camtrawl-acq/pkg/storage/util"
)

// Deployment is the directory tree one acquisition run writes into. In
// separate mode every run gets its own D<date>-T<time> directory; in combined
// mode all runs share the output path.
type Deployment struct {
	Name     string
	Combined bool

	RootDir     string
	LogDir      string
	ImageDir    string
	SettingsDir string

	Info Info
}

// Info is dumped next to the logs so a deployment can be identified without
// opening the metadata database.
type Info struct {
	SessionID  string     `json:"sessionId"`
	Name       string     `json:"name"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	FirstImage int64      `json:"firstImage"`
	LastImage  int64      `json:"lastImage"`
	Cameras    []string   `json:"cameras"`
	UseDB      bool       `json:"useDb"`

	UpdateAt time.Time `json:"updateAt"`
}

func NewDeployment(outputPath string, combined bool, start time.Time) (*Deployment, error) {
	if outputPath == "" {
		return nil, fmt.Errorf("output path can not be empty")
	}
	name := start.Format(consts.DeploymentLayout)
	root := filepath.Clean(outputPath)
	if !combined {
		root = filepath.Join(root, name)
	}
	d := &Deployment{
		Name:        name,
		Combined:    combined,
		RootDir:     root,
		LogDir:      filepath.Join(root, consts.DefaultLogsDir),
		ImageDir:    filepath.Join(root, consts.DefaultImagesDir),
		SettingsDir: filepath.Join(root, consts.DefaultSettingsDir),
		Info: Info{
			SessionID: uuid.NewString(),
			Name:      name,
			StartedAt: start,
		},
	}
	if err := util.MkdirAll(d.LogDir, d.ImageDir, d.SettingsDir); err != nil {
		return nil, fmt.Errorf("create deployment directories: %w", err)
	}

	return d, nil
}

func (d *Deployment) LogFile() string {
	return filepath.Join(d.LogDir, d.Name+".log")
}

func (d *Deployment) DatabasePath(name string) string {
	return filepath.Join(d.LogDir, name)
}

func (d *Deployment) CameraImageDir(camera string) string {
	return filepath.Join(d.ImageDir, camera)
}

// SaveSettings snapshots v as JSON into the settings directory.
func (d *Deployment) SaveSettings(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings %s: %w", name, err)
	}

	return os.WriteFile(filepath.Join(d.SettingsDir, name), data, consts.DefaultFilePerm)
}

func (d *Deployment) DumpInfo() error {
	d.Info.UpdateAt = time.Now()
	data, err := json.Marshal(&d.Info)
	if err != nil {
		return fmt.Errorf("marshal deployment info: %w", err)
	}

	return os.WriteFile(d.infoPath(), data, consts.DefaultFilePerm)
}

func (d *Deployment) LoadInfo() (*Info, error) {
	data, err := os.ReadFile(d.infoPath())
	if err != nil {
		return nil, fmt.Errorf("read deployment info err: %w", err)
	}
	info := &Info{}
	if err = json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("unmarshal deployment info err: %w", err)
	}

	return info, nil
}

func (d *Deployment) infoPath() string {
	return filepath.Join(d.LogDir, consts.DefaultInfoFile)
}
