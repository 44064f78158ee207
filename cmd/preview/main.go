// Command preview streams one camera as MJPEG so it can be aimed and focused
// on the bench. It must not run while an acquisition holds the camera.
package main

import (
	"context"
	"flag"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"

	"camtrawl-acq/pkg/camera"
	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/utils"
)

var (
	configFile = flag.String("c", "", "configuration file")
	cameraName = flag.String("camera", "", "camera section name, or a V4L2 device path")
	addr       = flag.String("addr", ":8080", "listen address")
)

func main() {
	flag.Parse()
	logger := utils.GetLogger()
	defer logger.Sync()

	cfg, err := config.Load(*configFile, "")
	if err != nil {
		logger.Fatal(err)
	}
	cc, ok := cfg.CameraConfig(*cameraName)
	if !ok {
		cc = config.DefaultCamera()
		cc.Name = filepath.Base(*cameraName)
	}
	if cc.Device == "" && strings.HasPrefix(*cameraName, "/dev/") {
		cc.Device = *cameraName
	}
	drv, err := camera.NewDriver(cc, nil)
	if err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	info, err := drv.Open(ctx)
	if err != nil {
		logger.Fatalf("open %s: %s", cc.Name, err)
	}
	defer drv.Close()
	if err = drv.Configure(cc.ExposureUS, cc.Gain); err != nil {
		logger.Warnf("configure %s: %s", cc.Name, err)
	}
	logger.Infof("previewing %s (%s %s)", cc.Name, info.DeviceID, info.Serial)

	frames := make(chan []byte, 1)
	go capture(ctx, drv, frames)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(utils.Cors())
	r.GET("/stream", func(c *gin.Context) { stream(c, frames) })
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})

	srv := utils.NewHTTPServer(*addr, r)
	srv.Start()
	logger.Infof("serving images: [%s/stream]", *addr)

	stopped := make(chan struct{})
	utils.WatchSignal(ctx, func(_ os.Signal) {
		cancel()
		srv.Shutdown(time.Second, func() { close(stopped) })
	})
	select {
	case <-stopped:
	case <-srv.Done():
		if err = srv.Err(); err != nil {
			logger.Error(err)
		}
	}
}

// capture keeps only the newest frame so a slow client sees live images.
func capture(ctx context.Context, drv camera.Driver, frames chan []byte) {
	defer close(frames)
	logger := utils.GetLogger()
	for ctx.Err() == nil {
		frame, err := drv.Capture(ctx)
		if err != nil {
			logger.Warnf("capture: %s", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		select {
		case <-frames:
		default:
		}
		frames <- frame
	}
}

func stream(c *gin.Context, frames <-chan []byte) {
	mimeWriter := multipart.NewWriter(c.Writer)
	c.Header("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mimeWriter.Boundary()))
	partHeader := make(textproto.MIMEHeader)
	partHeader.Add("Content-Type", "image/jpeg")

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			partWriter, err := mimeWriter.CreatePart(partHeader)
			if err != nil {
				utils.GetLogger().Warnf("failed to create multi-part writer: %s", err)
				return
			}
			if _, err = partWriter.Write(frame); err != nil {
				utils.GetLogger().Warnf("failed to write image: %s", err)
				return
			}
			c.Writer.Flush()
		}
	}
}
