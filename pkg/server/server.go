// Package server exposes the house over HTTP: a read-only JSON state
// API for the external web UI, the prometheus metrics endpoint, and
// the healthcheck used by container supervisors.
//
// The API never mutates house state. Device actions go through the
// gateways' own protocols; the web surface only reads.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("server")

// Server serves the JSON state API on the configured port and,
// optionally, a bare healthcheck on its own port. The healthcheck
// listener always binds all interfaces; the API listener binds
// loopback unless server.public is set.
type Server struct {
	house *house.House
	cfg   config.ServerConfig

	api *http.Server
	hc  *http.Server
}

// New builds a server around h. Nothing listens until Start.
func New(h *house.House, cfg config.ServerConfig) *Server {
	return &Server{house: h, cfg: cfg}
}

// Start binds the listeners and begins serving. Bind errors are
// returned synchronously; errors after that only terminate the serve
// goroutines, since a dead web surface should not take down the
// gateways.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	if s.cfg.Public {
		addr = fmt.Sprintf(":%d", s.cfg.Port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding api listener: %w", err)
	}
	s.api = &http.Server{Handler: s.Router()}
	log.Infof("serving state api on %s", ln.Addr())
	util.Go("http-api", func() {
		if err := s.api.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("api server stopped: %v", err)
		}
	})

	if s.cfg.HealthcheckPort != 0 {
		hcln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HealthcheckPort))
		if err != nil {
			return fmt.Errorf("binding healthcheck listener: %w", err)
		}
		s.hc = &http.Server{Handler: http.HandlerFunc(s.handleHealthcheck)}
		log.Infof("serving healthcheck on %s", hcln.Addr())
		util.Go("http-healthcheck", func() {
			if err := s.hc.Serve(hcln); err != nil && err != http.ErrServerClosed {
				log.Errorf("healthcheck server stopped: %v", err)
			}
		})
	}
	return nil
}

// Close shuts both listeners down, waiting briefly for in-flight
// requests.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.api != nil {
		s.api.Shutdown(ctx)
	}
	if s.hc != nil {
		s.hc.Shutdown(ctx)
	}
}

// Router builds the route table. Split out so tests can drive it with
// httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	if s.cfg.Webdebug {
		r.Use(s.traceRequests)
	}

	r.HandleFunc("/", s.handleHouse).Methods("GET")
	r.HandleFunc("/healthcheck", s.handleHealthcheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/areas/", s.handleAreas).Methods("GET")
	r.HandleFunc("/areas/{filter}", s.handleAreas).Methods("GET")
	r.HandleFunc("/area/{id:[0-9]+}", s.handleArea).Methods("GET")
	r.HandleFunc("/area/{id:[0-9]+}/devices/", s.handleAreaDevices).Methods("GET")
	r.HandleFunc("/area/{id:[0-9]+}/devices/{filter}", s.handleAreaDevices).Methods("GET")

	r.HandleFunc("/devices/", s.handleDevices).Methods("GET")
	r.HandleFunc("/devices/{filter}", s.handleDevices).Methods("GET")
	r.HandleFunc("/device/{id:[0-9]+}", s.handleDevice).Methods("GET")
	r.HandleFunc("/device/{id:[0-9]+}/events", s.handleDeviceEvents).Methods("GET")
	r.HandleFunc("/events", s.handleEvents).Methods("GET")

	// Per-class enumeration the UI browses by: /outputs/dimmer:on etc.
	r.HandleFunc("/controls/", s.classHandler("control")).Methods("GET")
	r.HandleFunc("/controls/{filter}", s.classHandler("control")).Methods("GET")
	r.HandleFunc("/outputs/", s.classHandler("output")).Methods("GET")
	r.HandleFunc("/outputs/{filter}", s.classHandler("output")).Methods("GET")
	r.HandleFunc("/sensors/", s.classHandler("sensor")).Methods("GET")
	r.HandleFunc("/sensors/{filter}", s.classHandler("sensor")).Methods("GET")

	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	return r
}

func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// --- JSON shapes ---

type deviceJSON struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Area            string   `json:"area"`
	Gateway         string   `json:"gateway"`
	DevID           string   `json:"devid"`
	Class           string   `json:"class"`
	Type            string   `json:"type"`
	Level           float64  `json:"level"`
	States          []string `json:"states"`
	PossibleStates  []string `json:"possible_states,omitempty"`
	PossibleActions []string `json:"possible_actions,omitempty"`
}

type areaJSON struct {
	ID      int64        `json:"id"`
	Name    string       `json:"name"`
	Devices []deviceJSON `json:"devices,omitempty"`
}

type eventJSON struct {
	DeviceID int64     `json:"device_id"`
	Device   string    `json:"device,omitempty"`
	Code     string    `json:"code"`
	Level    int64     `json:"level"`
	At       time.Time `json:"at"`
}

type houseJSON struct {
	Name     string   `json:"name"`
	Gateways []string `json:"gateways"`
	Areas    int      `json:"areas"`
	Devices  int      `json:"devices"`
}

func (s *Server) deviceJSON(d *house.Device, detail bool) deviceJSON {
	dj := deviceJSON{
		ID:      d.ID,
		Name:    d.Name,
		Area:    d.Area.Name,
		Gateway: d.Gateway.ID(),
		DevID:   d.DevID,
		Class:   d.Class,
		Type:    d.Type,
		Level:   d.Level(),
		States:  d.CurrentStates(),
	}
	if detail {
		dj.PossibleStates = s.house.OrderDeviceStates(d.PossibleStates(), d.Class, d.Type)
		dj.PossibleActions = d.PossibleActions()
	}
	return dj
}

func (s *Server) devicesJSON(devices []*house.Device) []deviceJSON {
	out := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.deviceJSON(d, false))
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// --- Handlers ---

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	resp := s.cfg.HealthcheckResponse
	if resp == "" {
		resp = "ok"
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, resp)
}

func (s *Server) handleHouse(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, g := range s.house.Gateways() {
		ids = append(ids, g.ID())
	}
	writeJSON(w, houseJSON{
		Name:     s.house.Name,
		Gateways: ids,
		Areas:    len(s.house.AreasFiltered(house.DeviceFilter{})),
		Devices:  len(s.house.DevicesFiltered(house.DeviceFilter{}, true)),
	})
}

func (s *Server) handleAreas(w http.ResponseWriter, r *http.Request) {
	filter := house.ParseFilterDescription("", mux.Vars(r)["filter"])
	var out []areaJSON
	for _, a := range s.house.AreasFiltered(filter) {
		// Direct devices only; children list their own.
		var devices []*house.Device
		for _, d := range a.Devices() {
			if !d.Hidden && filter.Matches(d) {
				devices = append(devices, d)
			}
		}
		out = append(out, areaJSON{
			ID:      a.ID,
			Name:    a.Name,
			Devices: s.devicesJSON(devices),
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleArea(w http.ResponseWriter, r *http.Request) {
	a, ok := s.areaFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, areaJSON{
		ID:      a.ID,
		Name:    a.Name,
		Devices: s.devicesJSON(a.DevicesFiltered(house.DeviceFilter{}, true)),
	})
}

func (s *Server) handleAreaDevices(w http.ResponseWriter, r *http.Request) {
	a, ok := s.areaFromRequest(w, r)
	if !ok {
		return
	}
	filter := house.ParseFilterDescription(r.URL.Query().Get("class"), mux.Vars(r)["filter"])
	writeJSON(w, s.devicesJSON(a.DevicesFiltered(filter, false)))
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	filter := house.ParseFilterDescription(r.URL.Query().Get("class"), mux.Vars(r)["filter"])
	writeJSON(w, s.devicesJSON(s.house.DevicesFiltered(filter, false)))
}

func (s *Server) classHandler(class string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := house.ParseFilterDescription(class, mux.Vars(r)["filter"])
		writeJSON(w, s.devicesJSON(s.house.DevicesFiltered(filter, false)))
	}
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.deviceJSON(d, true))
}

func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}
	count, ok := countParam(w, r)
	if !ok {
		return
	}
	events := d.RecentEvents(count)
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, eventJSON{
			DeviceID: ev.DeviceID,
			Device:   d.Name,
			Code:     ev.Code.String(),
			Level:    ev.Level,
			At:       ev.At,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	count, ok := countParam(w, r)
	if !ok {
		return
	}
	events := s.house.RecentEvents(count)
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		ej := eventJSON{
			DeviceID: ev.DeviceID,
			Code:     ev.Code.String(),
			Level:    ev.Level,
			At:       ev.At,
		}
		if d, ok := s.house.DeviceByID(ev.DeviceID); ok {
			ej.Device = d.Name
		}
		out = append(out, ej)
	}
	writeJSON(w, out)
}

func countParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	count := 10
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return 0, false
		}
		count = n
	}
	return count, true
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "no such resource: "+r.URL.Path)
}

func (s *Server) areaFromRequest(w http.ResponseWriter, r *http.Request) (*house.Area, bool) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	a, ok := s.house.AreaByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no area with id %d", id))
		return nil, false
	}
	return a, true
}

func (s *Server) deviceFromRequest(w http.ResponseWriter, r *http.Request) (*house.Device, bool) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	d, ok := s.house.DeviceByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no device with id %d", id))
		return nil, false
	}
	return d, true
}
