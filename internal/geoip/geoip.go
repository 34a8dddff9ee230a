// Package geoip resolves a remote IP to a country/city/coordinate for the
// dashboard's map view, backed by a MaxMind GeoLite2 database that is
// refreshed periodically via conditional HTTP GET.
package geoip

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/oschwald/geoip2-golang"
	"github.com/pkg/errors"
)

const downloadURL = "https://download.maxmind.com/app/geoip_download?edition_id=GeoLite2-City&suffix=tar.gz"

// Resolver looks up geo information for an IP, reloading its underlying
// database file as refreshes land.
type Resolver struct {
	path       string
	licenseKey string

	client *retryablehttp.Client

	mu sync.RWMutex
	db *geoip2.Reader

	etag atomic.Value // string
}

// Info is the subset of a geoip2.City record the dashboard needs.
type Info struct {
	CountryCode string
	CountryName string
	City        string
	Latitude    float64
	Longitude   float64
}

// Open loads the database at path. path may not exist yet; in that case
// Lookup returns ErrNoDatabase until the first successful refresh made by
// RefreshLoop.
func Open(path, licenseKey string) (*Resolver, error) {
	r := &Resolver{
		path:       path,
		licenseKey: licenseKey,
		client:     retryablehttp.NewClient(),
	}
	r.client.Logger = nil
	r.client.RetryMax = 5
	r.client.RetryWaitMin = time.Second
	r.client.RetryWaitMax = 30 * time.Second
	r.etag.Store("")

	if db, err := geoip2.Open(path); err == nil {
		r.db = db
	}

	return r, nil
}

// ErrNoDatabase is returned by Lookup before any database has been loaded.
var ErrNoDatabase = errors.New("geoip: no database loaded")

// Lookup resolves ip to country/city/coordinates.
func (r *Resolver) Lookup(ip net.IP) (*Info, error) {
	r.mu.RLock()
	db := r.db
	r.mu.RUnlock()

	if db == nil {
		return nil, ErrNoDatabase
	}

	city, err := db.City(ip)
	if err != nil {
		return nil, errors.Wrap(err, "geoip lookup")
	}

	name := city.City.Names["en"]
	countryName := city.Country.Names["en"]

	return &Info{
		CountryCode: city.Country.IsoCode,
		CountryName: countryName,
		City:        name,
		Latitude:    city.Location.Latitude,
		Longitude:   city.Location.Longitude,
	}, nil
}

// RefreshLoop periodically checks downloadURL for a new database via a
// conditional request (If-None-Match), downloading and swapping in a new
// reader only when the ETag changes. Transient download failures are
// retried with the client's exponential backoff.
func (r *Resolver) RefreshLoop(ctx context.Context, interval time.Duration, logger Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				if logger != nil {
					logger.Warnf("geoip refresh failed: %v", err)
				}
			}
		}
	}
}

// Logger is the subset of tarpit.Logger RefreshLoop needs; defined
// locally so this package doesn't import the tarpit package.
type Logger interface {
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
}

func (r *Resolver) refresh(ctx context.Context) error {
	if r.licenseKey == "" {
		return errors.New("no geoip license key configured")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, downloadURL+"&license_key="+r.licenseKey, nil)
	if err != nil {
		return err
	}
	if etag, _ := r.etag.Load().(string); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d downloading geoip database", resp.StatusCode)
	}

	tmp := r.path + ".tmp"
	if err := extractDatabase(resp.Body, tmp); err != nil {
		return errors.Wrap(err, "extracting geoip database")
	}

	db, err := geoip2.Open(tmp)
	if err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "opening refreshed database")
	}

	if err := os.Rename(tmp, r.path); err != nil {
		db.Close()
		return errors.Wrap(err, "installing refreshed database")
	}

	r.mu.Lock()
	old := r.db
	r.db = db
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		r.etag.Store(etag)
	}

	return nil
}

// extractDatabase gunzips body and walks the tar archive for the .mmdb
// entry, writing it to dest.
func extractDatabase(body io.Reader, dest string) error {
	gz, err := gzip.NewReader(body)
	if err != nil {
		return errors.Wrap(err, "gunzip")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return errors.New("no .mmdb entry found in archive")
		}
		if err != nil {
			return errors.Wrap(err, "reading tar entry")
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".mmdb") {
			continue
		}

		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
}

// Close releases the underlying database file.
func (r *Resolver) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}
