// Package storage is the persistence layer: a relational database storing
// completed connection records and pre-aggregated time buckets. Built on
// gorm.io/gorm so the same code path works against either sqlite (the
// zero-config default) or postgres.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConnectionRecord is the raw per-connection row, written once per
// completed connection.
type ConnectionRecord struct {
	ID             int64 `gorm:"primaryKey"`
	IPAddress      string
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	TimeSpentMS    int64
	BytesSent      int64
	CountryCode    *string
	CountryName    *string
	City           *string
	Latitude       *float64
	Longitude      *float64
}

// ConnectionsBucket is one pre-aggregated row for a given resolution
// tier, keyed by (bucket, resolution, country).
type ConnectionsBucket struct {
	Bucket      time.Time `gorm:"primaryKey"`
	Resolution  string    `gorm:"primaryKey"`
	CountryCode string    `gorm:"primaryKey"`
	Connects    int64
	TimeSpentMS int64
	BytesSent   int64
}

// resolutions lists the bucket tiers and the duration each bucket spans.
var resolutions = []struct {
	name string
	span time.Duration
}{
	{"1min", time.Minute},
	{"5min", 5 * time.Minute},
	{"1h", time.Hour},
	{"1day", 24 * time.Hour},
}

// Store wraps a *gorm.DB with the operations the dashboard and the event
// consumer need.
type Store struct {
	db *gorm.DB
}

// Open opens a database connection for driver ("sqlite" or "postgres")
// with the given DSN.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector

	switch driver {
	case "", "sqlite":
		if dsn == "" {
			dsn = "sshtarpit.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("unknown db driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	return &Store{db: db}, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&ConnectionRecord{}, &ConnectionsBucket{})
}

// GeoInfo carries optional enrichment for a connection record.
type GeoInfo struct {
	CountryCode *string
	CountryName *string
	City        *string
	Latitude    *float64
	Longitude   *float64
}

// InsertConnection inserts a completed connection record and folds it
// into every resolution tier's bucket, keeping both the raw table and the
// aggregates up to date in one transaction.
func (s *Store) InsertConnection(ctx context.Context, ip string, connectedAt, disconnectedAt time.Time, timeSpent time.Duration, bytesSent uint64, geo *GeoInfo) (int64, error) {
	rec := ConnectionRecord{
		IPAddress:      ip,
		ConnectedAt:    connectedAt,
		DisconnectedAt: disconnectedAt,
		TimeSpentMS:    timeSpent.Milliseconds(),
		BytesSent:      capToInt64(bytesSent),
	}
	if geo != nil {
		rec.CountryCode = geo.CountryCode
		rec.CountryName = geo.CountryName
		rec.City = geo.City
		rec.Latitude = geo.Latitude
		rec.Longitude = geo.Longitude
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}

		countryCode := ""
		if rec.CountryCode != nil {
			countryCode = *rec.CountryCode
		}

		for _, res := range resolutions {
			bucketTime := disconnectedAt.Truncate(res.span)
			bucket := ConnectionsBucket{
				Bucket:      bucketTime,
				Resolution:  res.name,
				CountryCode: countryCode,
				Connects:    1,
				TimeSpentMS: rec.TimeSpentMS,
				BytesSent:   rec.BytesSent,
			}

			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "bucket"}, {Name: "resolution"}, {Name: "country_code"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"connects":      gorm.Expr("connections_buckets.connects + 1"),
					"time_spent_ms": gorm.Expr("connections_buckets.time_spent_ms + ?", rec.TimeSpentMS),
					"bytes_sent":    gorm.Expr("connections_buckets.bytes_sent + ?", rec.BytesSent),
				}),
			}).Create(&bucket).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "inserting connection")
	}

	return rec.ID, nil
}

// GetConnectionsSince returns up to limit connection records with
// id > sinceID, ordered by id.
func (s *Store) GetConnectionsSince(ctx context.Context, sinceID int64, limit int) ([]ConnectionRecord, error) {
	var rows []ConnectionRecord
	err := s.db.WithContext(ctx).
		Where("id > ?", sinceID).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	return rows, errors.Wrap(err, "querying connections")
}

// StatsRow is one aggregated row returned by GetStats.
type StatsRow struct {
	Bucket      time.Time
	CountryCode string
	Connects    int64
	TimeSpentMS int64
	BytesSent   int64
}

// GetStats picks the bucket tier appropriate for the requested span and
// returns its rows: <=24h -> 1min, <=7d -> 5min, <=30d -> 1h, else 1day.
func (s *Store) GetStats(ctx context.Context, from, to *time.Time) ([]StatsRow, error) {
	resolution := "1day"

	query := s.db.WithContext(ctx).Model(&ConnectionsBucket{})

	if from != nil && to != nil {
		span := to.Sub(*from)
		switch {
		case span <= 24*time.Hour:
			resolution = "1min"
		case span <= 24*7*time.Hour:
			resolution = "5min"
		case span <= 24*30*time.Hour:
			resolution = "1h"
		default:
			resolution = "1day"
		}
		query = query.Where("bucket >= ? AND bucket < ?", *from, *to)
	}

	var rows []StatsRow
	err := query.
		Where("resolution = ?", resolution).
		Select("bucket", "country_code", "connects", "time_spent_ms", "bytes_sent").
		Order("bucket").
		Find(&rows).Error

	return rows, errors.Wrap(err, "querying stats")
}

// GetStatsJSON adapts GetStats to the dashboard's StatsStore interface,
// keeping the dashboard package free of a direct gorm dependency.
func (s *Store) GetStatsJSON(ctx context.Context, from, to *time.Time) (interface{}, error) {
	return s.GetStats(ctx, from, to)
}

func capToInt64(v uint64) int64 {
	if v > 1<<62 {
		return 1<<62 - 1
	}
	return int64(v)
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DSN builds a descriptive string for logging only; never logs
// credentials embedded in a postgres DSN.
func DSN(driver, dsn string) string {
	if driver == "" {
		driver = "sqlite"
	}
	if dsn == "" {
		return driver
	}
	return fmt.Sprintf("%s (configured)", driver)
}
