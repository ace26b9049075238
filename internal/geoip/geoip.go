// Package geoip resolves client IP addresses to node.Location values using a
// MaxMind-format city database that can be hot-reloaded.
package geoip

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Resinat/edgecoord/internal/node"
)

// ErrNoDatabase is returned by Reload when no database path is configured.
var ErrNoDatabase = errors.New("geoip: no database configured")

// Reader abstracts the mmdb reader so tests can substitute fixed answers.
type Reader interface {
	Lookup(ip netip.Addr) (node.Location, bool)
	Close() error
}

// OpenFunc opens a database file.
type OpenFunc func(path string) (Reader, error)

type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Continent struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"continent"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
		TimeZone  string  `maxminddb:"time_zone"`
	} `maxminddb:"location"`
}

type mmdbReader struct {
	db *maxminddb.Reader
}

// MaxMindOpen is the production OpenFunc.
func MaxMindOpen(path string) (Reader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{db: db}, nil
}

func (r *mmdbReader) Lookup(ip netip.Addr) (node.Location, bool) {
	var rec cityRecord
	if err := r.db.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
		return node.Location{}, false
	}
	if rec.Country.ISOCode == "" && rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return node.Location{}, false
	}
	return node.Location{
		Region:    RegionFor(rec.Continent.Code, rec.Location.Longitude),
		City:      rec.City.Names["en"],
		Country:   rec.Country.ISOCode,
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
		Timezone:  rec.Location.TimeZone,
	}, true
}

func (r *mmdbReader) Close() error { return r.db.Close() }

// RegionFor maps a continent code and longitude to a coarse edge region name.
func RegionFor(continent string, lon float64) string {
	switch continent {
	case "NA":
		if lon < -100 {
			return "us-west"
		}
		return "us-east"
	case "SA":
		return "sa-east"
	case "EU":
		if lon > 10 {
			return "eu-central"
		}
		return "eu-west"
	case "AF":
		return "af-south"
	case "AS":
		if lon > 120 {
			return "ap-northeast"
		}
		return "ap-southeast"
	case "OC":
		return "ap-southeast"
	}
	return ""
}

// ServiceConfig configures the Service.
type ServiceConfig struct {
	DBPath string
	// ReloadSchedule is a cron expression; the database is reopened when its
	// mtime changed since the last load. Empty disables reloading.
	ReloadSchedule string
	OpenDB         OpenFunc
}

// Service provides hot-reloadable lookups. A Service without a database
// answers every lookup with "not found".
type Service struct {
	mu       sync.RWMutex
	reader   Reader
	loadedAt time.Time

	path   string
	openDB OpenFunc
	cron   *cron.Cron
	log    *logrus.Entry
}

// NewService creates a Service. Call Start to load the database.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.OpenDB == nil {
		cfg.OpenDB = MaxMindOpen
	}
	s := &Service{
		path:   cfg.DBPath,
		openDB: cfg.OpenDB,
		log:    logrus.WithField("component", "geoip"),
	}
	if cfg.ReloadSchedule != "" && cfg.DBPath != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(cfg.ReloadSchedule, s.reloadIfChanged); err != nil {
			return nil, fmt.Errorf("geoip: invalid reload schedule %q: %w", cfg.ReloadSchedule, err)
		}
	}
	return s, nil
}

// Start loads the database, if configured, and starts the reload schedule.
func (s *Service) Start() error {
	if s.path == "" {
		return nil
	}
	if err := s.Reload(); err != nil {
		return err
	}
	if s.cron != nil {
		s.cron.Start()
	}
	return nil
}

// Stop halts reloading and closes the reader.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Lookup resolves ip. The second result is false when no database is loaded
// or the address is unknown.
func (s *Service) Lookup(ip netip.Addr) (node.Location, bool) {
	if !ip.IsValid() {
		return node.Location{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return node.Location{}, false
	}
	return s.reader.Lookup(ip.Unmap())
}

// LookupString parses raw and resolves it.
func (s *Service) LookupString(raw string) (node.Location, bool) {
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return node.Location{}, false
	}
	return s.Lookup(ip)
}

// Reload reopens the database and swaps it in. In-flight lookups finish on
// the old reader before it is closed.
func (s *Service) Reload() error {
	if s.path == "" {
		return ErrNoDatabase
	}
	next, err := s.openDB(s.path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = next
	s.loadedAt = time.Now()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (s *Service) reloadIfChanged() {
	info, err := os.Stat(s.path)
	if err != nil {
		s.log.WithError(err).Warn("stat database")
		return
	}
	s.mu.RLock()
	loadedAt := s.loadedAt
	s.mu.RUnlock()
	if !info.ModTime().After(loadedAt) {
		return
	}
	if err := s.Reload(); err != nil {
		s.log.WithError(err).Warn("reload database")
		return
	}
	s.log.WithField("path", s.path).Info("database reloaded")
}
