package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/gpsdash/internal/gps"
	"github.com/shaunagostinho/gpsdash/internal/gpsd"
	"github.com/shaunagostinho/gpsdash/internal/logger"
)

const deviceCommandTimeout = 10 * time.Second

// Server polls the GPS provider and broadcasts fixes to WebSocket clients.
type Server struct {
	cfg     *Config
	gpsProv gps.Provider
	webFS   fs.FS
	logger  *logger.Logger
	metrics http.Handler
	log     *logrus.Entry

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	devMu       sync.Mutex
	lastDevices []gpsd.Device

	// Odometer, persisted across restarts
	odoMu        sync.Mutex
	odoTotal     float64 // Total km
	odoTrip      float64 // Trip km (resettable)
	lastGPSLat   float64
	lastGPSLon   float64
	lastGPSValid bool
	odoPath      string
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	GPS       *gps.Data      `json:"gps,omitempty"`
	Connected *bool          `json:"connected,omitempty"` // Provider is delivering live data
	Devices   []gpsd.Device  `json:"devices,omitempty"`   // Sent when the device table changes
	Config    *DisplayConfig `json:"config,omitempty"`
	Odo       *OdoData       `json:"odo,omitempty"`
	Speed     *SpeedData     `json:"speed,omitempty"`
	Stamp     int64          `json:"stamp"` // Unix ms
}

// OdoData is the odometer info sent to clients.
type OdoData struct {
	Total float64 `json:"total"` // km
	Trip  float64 `json:"trip"`  // km
}

// SpeedData is the displayed speed and where it came from.
type SpeedData struct {
	Value  float64 `json:"value"`  // km/h
	Source string  `json:"source"` // "gps" or "none"
}

type Option func(*Server)

func WithLogger(l *logrus.Entry) Option { return func(s *Server) { s.log = l } }

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func WithRecorder(l *logger.Logger) Option { return func(s *Server) { s.logger = l } }

func New(cfg *Config, gpsProv gps.Provider, webFS fs.FS, opts ...Option) *Server {
	odoPath := filepath.Join(filepath.Dir(cfg.path), "odometer.dat")
	if cfg.path == "" {
		odoPath = filepath.Join(filepath.Dir(defaultConfigPath), "odometer.dat")
	}

	s := &Server{
		cfg:     cfg,
		gpsProv: gpsProv,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		odoPath: odoPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	s.log = s.log.WithField("component", "server")
	if s.logger == nil {
		s.logger = logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}, s.log)
	}
	s.loadOdometer()
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/odo/reset-trip", s.handleResetTrip)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Run starts the HTTP server and the polling loop.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.saveOdometer()
			}
		}
	}()

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		s.saveOdometer()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Infof("listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Infof("ws client connected (%d total)", n)

	// Initial display config, odometer and device table.
	first := Frame{
		Config:  s.cfg.DisplaySnapshot(),
		Odo:     s.odometer(),
		Devices: s.devices(),
		Stamp:   time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Infof("ws client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.WithError(err).Error("config save failed")
		}
		s.broadcast(Frame{Config: s.cfg.DisplaySnapshot(), Stamp: time.Now().UnixMilli()})
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type deviceRequest struct {
	Path     string  `json:"path"`
	BPS      int     `json:"bps"`
	Parity   string  `json:"parity"`
	StopBits int     `json:"stopbits"`
	Native   *bool   `json:"native"`
	Cycle    float64 `json:"cycle"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.gpsProv.(gps.DeviceController)
	if !ok {
		http.Error(w, "provider has no device control", http.StatusNotImplemented)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"devices": nonNil(ctrl.Devices())})

	case http.MethodPost:
		var req deviceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		switch gpsd.Parity(req.Parity) {
		case "", gpsd.ParityNone, gpsd.ParityOdd, gpsd.ParityEven:
		default:
			http.Error(w, fmt.Sprintf("bad parity %q", req.Parity), http.StatusBadRequest)
			return
		}
		if req.StopBits != 0 && req.StopBits != 1 && req.StopBits != 2 {
			http.Error(w, "stopbits must be 1 or 2", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), deviceCommandTimeout)
		defer cancel()
		dev, err := ctrl.SetDevice(ctx, gpsd.DeviceSettings{
			Path:     req.Path,
			BPS:      req.BPS,
			Parity:   gpsd.Parity(req.Parity),
			StopBits: req.StopBits,
			Native:   req.Native,
			Cycle:    req.Cycle,
		})
		if err != nil {
			s.log.WithError(err).Warnf("set device %s failed", req.Path)
			http.Error(w, err.Error(), deviceErrorStatus(err))
			return
		}
		s.publishDevices(ctrl.Devices(), true)
		writeJSON(w, http.StatusOK, dev)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func deviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, gpsd.ErrNotConnected), errors.Is(err, gpsd.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, gpsd.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, gpsd.ErrCommandRejected):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func nonNil(devs []gpsd.Device) []gpsd.Device {
	if devs == nil {
		return []gpsd.Device{}
	}
	return devs
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.odoMu.Lock()
	s.odoTrip = 0
	s.odoMu.Unlock()
	s.saveOdometer()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pollLoop reads the provider at the configured rate and broadcasts each
// snapshot.
func (s *Server) pollLoop(ctx context.Context) {
	hz := s.cfg.GPS.PollHz
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick takes one reading and broadcasts it.
func (s *Server) tick() {
	if s.gpsProv == nil {
		return
	}
	data, err := s.gpsProv.Read()
	if data == nil {
		return
	}
	connected := err == nil
	if connected && data.Valid && data.Speed > 1 {
		s.updateOdometer(data)
	}

	frame := Frame{
		GPS:       data,
		Connected: &connected,
		Odo:       s.odometer(),
		Speed:     calcSpeed(data, connected),
		Stamp:     time.Now().UnixMilli(),
	}
	if ctrl, ok := s.gpsProv.(gps.DeviceController); ok {
		if devs, changed := s.publishDevices(ctrl.Devices(), false); changed {
			frame.Devices = nonNil(devs)
		}
	}
	s.broadcast(frame)
	if connected {
		s.logger.Record(data)
	}
}

// publishDevices stores devs and reports whether they differ from the
// last table. With push set a change is broadcast at once.
func (s *Server) publishDevices(devs []gpsd.Device, push bool) ([]gpsd.Device, bool) {
	s.devMu.Lock()
	changed := !sameDevices(s.lastDevices, devs)
	s.lastDevices = devs
	s.devMu.Unlock()
	if changed && push {
		s.broadcast(Frame{Devices: nonNil(devs), Stamp: time.Now().UnixMilli()})
	}
	return devs, changed
}

func (s *Server) devices() []gpsd.Device {
	if ctrl, ok := s.gpsProv.(gps.DeviceController); ok {
		return ctrl.Devices()
	}
	return nil
}

func sameDevices(a, b []gpsd.Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func calcSpeed(data *gps.Data, connected bool) *SpeedData {
	if connected && data != nil && data.Valid {
		return &SpeedData{Value: data.Speed, Source: "gps"}
	}
	return &SpeedData{Value: 0, Source: "none"}
}

func (s *Server) odometer() *OdoData {
	s.odoMu.Lock()
	defer s.odoMu.Unlock()
	return &OdoData{Total: math.Round(s.odoTotal*10) / 10, Trip: math.Round(s.odoTrip*10) / 10}
}

// updateOdometer accumulates distance from GPS position changes.
func (s *Server) updateOdometer(data *gps.Data) {
	s.odoMu.Lock()
	defer s.odoMu.Unlock()

	if !s.lastGPSValid {
		// First valid fix seeds the position.
		s.lastGPSLat = data.Latitude
		s.lastGPSLon = data.Longitude
		s.lastGPSValid = true
		return
	}

	dist := haversineKm(s.lastGPSLat, s.lastGPSLon, data.Latitude, data.Longitude)

	// Jumps over 500m in one tick are glitches.
	if dist > 0.5 {
		s.lastGPSLat = data.Latitude
		s.lastGPSLon = data.Longitude
		return
	}
	// Minimum movement ~2m
	if dist > 0.002 {
		s.odoTotal += dist
		s.odoTrip += dist
		s.lastGPSLat = data.Latitude
		s.lastGPSLon = data.Longitude
	}
}

// haversineKm calculates the great-circle distance between two lat/lon points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0 // Earth radius km
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// loadOdometer reads persisted odometer values from disk.
func (s *Server) loadOdometer() {
	data, err := os.ReadFile(s.odoPath)
	if err != nil {
		s.log.Infof("no saved odometer at %s (starting at 0)", s.odoPath)
		return
	}
	parts := strings.Split(strings.TrimSpace(string(data)), "\n")
	if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
		s.odoTotal = v
	}
	if len(parts) >= 2 {
		if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
			s.odoTrip = v
		}
	}
	s.log.Infof("odometer loaded: total=%.1f km, trip=%.1f km", s.odoTotal, s.odoTrip)
}

// saveOdometer persists odometer values to disk.
func (s *Server) saveOdometer() {
	s.odoMu.Lock()
	total, trip := s.odoTotal, s.odoTrip
	s.odoMu.Unlock()

	os.MkdirAll(filepath.Dir(s.odoPath), 0755)
	data := fmt.Sprintf("%.6f\n%.6f\n", total, trip)
	if err := os.WriteFile(s.odoPath, []byte(data), 0644); err != nil {
		s.log.WithError(err).Error("odometer save failed")
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
