package sensor

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/types"
	"camtrawl-acq/pkg/utils"
)

const maxDatagram = 64 * 1024

var ErrUnknownSensor = errors.New("unknown sensor")

type device struct {
	id   string
	cfg  config.Sensor
	conn *net.UDPConn
	tx   *net.UDPAddr
}

// Monitor receives sensor lines as UDP datagrams, one listening port per
// installed sensor, and hands each parsed reading to out. out is called from
// the reader goroutines.
type Monitor struct {
	cfg    config.Sensors
	out    func(types.SensorReading)
	logger *zap.SugaredLogger

	mu      sync.Mutex
	devices map[string]*device
	wg      sync.WaitGroup
	stopped bool
}

func NewMonitor(cfg config.Sensors, out func(types.SensorReading)) *Monitor {
	return &Monitor{
		cfg:     cfg,
		out:     out,
		logger:  utils.GetLogger(),
		devices: make(map[string]*device),
	}
}

// Start opens every installed sensor with a UDP port. A sensor that cannot
// be opened is logged and skipped.
func (m *Monitor) Start() {
	ids := make([]string, 0, len(m.cfg.InstalledSensors))
	for id := range m.cfg.InstalledSensors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sc := m.cfg.InstalledSensors[id]
		if sc.UDPPort <= 0 {
			continue
		}
		d, err := m.open(id, sc)
		if err != nil {
			m.logger.Errorf("sensor: unable to open %s: %s", id, err)
			continue
		}
		m.mu.Lock()
		m.devices[id] = d
		m.mu.Unlock()
		m.logger.Infof("sensor: %s listening on %s", id, d.conn.LocalAddr())

		m.wg.Add(1)
		go m.read(d)
	}
}

func (m *Monitor) open(id string, sc config.Sensor) (*device, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: sc.UDPPort})
	if err != nil {
		return nil, err
	}
	d := &device{id: id, cfg: sc, conn: conn}
	if sc.TxAddr != "" {
		d.tx, err = net.ResolveUDPAddr("udp", sc.TxAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolve tx address %s: %w", sc.TxAddr, err)
		}
	}

	return d, nil
}

// Active reports whether any sensor is being listened to.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices) > 0 && !m.stopped
}

// Addr returns the local address a sensor listens on.
func (m *Monitor) Addr(sensorID string) (net.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[strings.ToLower(sensorID)]
	if !ok {
		return nil, false
	}
	return d.conn.LocalAddr(), true
}

// Tx sends data, terminated by CRLF, to a sensor's transmit address.
func (m *Monitor) Tx(sensorID, data string) error {
	m.mu.Lock()
	d, ok := m.devices[strings.ToLower(sensorID)]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSensor, sensorID)
	}
	if d.tx == nil {
		return fmt.Errorf("sensor %s has no tx_address", sensorID)
	}
	if _, err := d.conn.WriteToUDP([]byte(data+"\r\n"), d.tx); err != nil {
		return fmt.Errorf("write to sensor %s: %w", sensorID, err)
	}

	return nil
}

// Stop closes every sensor in the background and calls onStopped once all
// readers have returned.
func (m *Monitor) Stop(onStopped func()) {
	m.mu.Lock()
	m.stopped = true
	for _, d := range m.devices {
		d.conn.Close()
	}
	m.mu.Unlock()

	go func() {
		m.wg.Wait()
		m.logger.Info("sensor: monitor stopped")
		if onStopped != nil {
			onStopped()
		}
	}()
}

func (m *Monitor) read(d *device) {
	defer m.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.logger.Errorf("sensor: %s read err: %s", d.id, err)
			}
			return
		}
		rx := time.Now()
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			r, err := ParseLine(d.id, line, rx, d.cfg.AddHeader)
			if err != nil {
				continue
			}
			m.out(r)
		}
	}
}
