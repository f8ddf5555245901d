package server

import (
	"fmt"
	"math"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vesaa/smartsensors/internal/models"
	"github.com/vesaa/smartsensors/internal/telemetry"
)

// OpenDB opens the collector's SQLite database and runs AutoMigrate.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(
		&models.AirQuality{},
		&models.MR007{},
		&models.ME4SO2{},
		&models.ZE40{},
		&models.DeviceInfo{},
		&models.Upload{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

// StoreResult describes what SaveUpload did with one entry.
type StoreResult struct {
	ID        string   `json:"id"`
	Duplicate bool     `json:"duplicate,omitempty"`
	Sensors   []string `json:"sensors_received"`
}

// SaveUpload persists every sensor object present in p in one transaction.
// An entry whose id was already stored is acknowledged without inserting
// anything. Entries without an id get a fresh one.
func SaveUpload(db *gorm.DB, p telemetry.Payload, sourceIP string) (StoreResult, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	res := StoreResult{ID: p.ID, Sensors: presentSensors(p)}
	now := time.Now().UTC()

	err := db.Transaction(func(tx *gorm.DB) error {
		var seen int64
		if err := tx.Model(&models.Upload{}).Where("entry_id = ?", p.ID).Count(&seen).Error; err != nil {
			return err
		}
		if seen > 0 {
			res.Duplicate = true
			return nil
		}

		if a := p.AirQuality; a != nil {
			row := models.AirQuality{
				UploadID: p.ID, ReportedAt: now,
				PM1: toInt(a.PM1), PM25: toInt(a.PM25), PM10: toInt(a.PM10),
				CO2: toInt(a.CO2), VOC: toInt(a.VOC), CH2O: toInt(a.CH2O),
				CO: a.CO, O3: a.O3, NO2: a.NO2,
				Temperature: a.Temperature, Humidity: toInt(a.Humidity),
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("air quality: %w", err)
			}
		}
		if m := p.MR007; m != nil {
			row := models.MR007{
				UploadID: p.ID, ReportedAt: now,
				Voltage: m.Voltage, RawValue: m.RawValue, LELConcentration: m.LELConcentration,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("mr007: %w", err)
			}
		}
		if m := p.ME4SO2; m != nil {
			row := models.ME4SO2{
				UploadID: p.ID, ReportedAt: now,
				Voltage: m.Voltage, RawValue: m.RawValue,
				CurrentUA: m.CurrentUA, SO2Concentration: m.SO2Concentration,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("me4_so2: %w", err)
			}
		}
		if z := p.ZE40; z != nil {
			row := models.ZE40{
				UploadID: p.ID, ReportedAt: now,
				TVOCPPB: z.TVOCPPB, TVOCPPM: z.TVOCPPM,
				DACVoltage: z.DACVoltage, DACPPM: z.DACPPM,
				UARTDataValid: z.UARTDataValid, AnalogDataValid: z.AnalogDataValid,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("ze40: %w", err)
			}
		}
		if p.IPAddress != "" || p.NetworkMode != "" {
			row := models.DeviceInfo{
				UploadID: p.ID, ReportedAt: now,
				Device:       p.Device,
				IPAddress:    firstNonEmpty(p.IPAddress, sourceIP),
				NetworkMode:  firstNonEmpty(p.NetworkMode, "unknown"),
				NetworkReady: p.NetworkReady,
				SourceIP:     sourceIP,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("device info: %w", err)
			}
		}

		return tx.Create(&models.Upload{
			EntryID:    p.ID,
			Device:     p.Device,
			NodeUptime: p.Timestamp,
			Sensors:    res.Sensors,
		}).Error
	})
	return res, err
}

func presentSensors(p telemetry.Payload) []string {
	out := []string{}
	if p.AirQuality != nil {
		out = append(out, "air_quality")
	}
	if p.MR007 != nil {
		out = append(out, "mr007")
	}
	if p.ME4SO2 != nil {
		out = append(out, "me4_so2")
	}
	if p.ZE40 != nil {
		out = append(out, "ze40")
	}
	return out
}

func toInt(v float64) int { return int(math.Round(v)) }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// latest returns the newest row of T, or nil when the table is empty.
func latest[T any](db *gorm.DB) (*T, error) {
	var rows []T
	if err := db.Order("id desc").Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// history returns up to n rows of T, newest first.
func history[T any](db *gorm.DB, n int) ([]T, error) {
	rows := []T{}
	err := db.Order("id desc").Limit(n).Find(&rows).Error
	return rows, err
}
