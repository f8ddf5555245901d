// Package models defines GORM data models for the SmartSensors collector.
package models

import (
	"time"
)

// Reading tables are append-only. The newest row (highest ID) is the latest
// value; ReportedAt is the collector's receive time.

// AirQuality is one ZPHS01B multi-gas reading.
type AirQuality struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	UploadID   string    `gorm:"index" json:"upload_id"`
	ReportedAt time.Time `gorm:"index" json:"timestamp"`

	PM1         int     `json:"pm1"`
	PM25        int     `json:"pm25"`
	PM10        int     `json:"pm10"`
	CO2         int     `json:"co2"`
	VOC         int     `json:"voc"`
	CH2O        int     `json:"ch2o"`
	CO          float64 `json:"co"`
	O3          float64 `json:"o3"`
	NO2         float64 `json:"no2"`
	Temperature float64 `json:"temperature"`
	Humidity    int     `json:"humidity"`
}

// MR007 is one combustible-gas reading (LEL %).
type MR007 struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	UploadID   string    `gorm:"index" json:"upload_id"`
	ReportedAt time.Time `gorm:"index" json:"timestamp"`

	Voltage          float64 `json:"voltage"`
	RawValue         int     `gorm:"column:raw_value" json:"rawValue"`
	LELConcentration float64 `json:"lel_concentration"`
}

func (MR007) TableName() string { return "mr007" }

// ME4SO2 is one electrochemical SO2 reading.
type ME4SO2 struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	UploadID   string    `gorm:"index" json:"upload_id"`
	ReportedAt time.Time `gorm:"index" json:"timestamp"`

	Voltage          float64 `json:"voltage"`
	RawValue         int     `gorm:"column:raw_value" json:"rawValue"`
	CurrentUA        float64 `json:"current_ua"`
	SO2Concentration float64 `json:"so2_concentration"`
}

func (ME4SO2) TableName() string { return "me4_so2" }

// ZE40 combines the UART TVOC value and the DAC output of the same sensor.
type ZE40 struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	UploadID   string    `gorm:"index" json:"upload_id"`
	ReportedAt time.Time `gorm:"index" json:"timestamp"`

	TVOCPPB         float64 `gorm:"column:tvoc_ppb" json:"tvoc_ppb"`
	TVOCPPM         float64 `gorm:"column:tvoc_ppm" json:"tvoc_ppm"`
	DACVoltage      float64 `json:"dac_voltage"`
	DACPPM          float64 `gorm:"column:dac_ppm" json:"dac_ppm"`
	UARTDataValid   bool    `gorm:"column:uart_data_valid" json:"uart_data_valid"`
	AnalogDataValid bool    `json:"analog_data_valid"`
}

func (ZE40) TableName() string { return "ze40" }
