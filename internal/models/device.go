package models

import (
	"time"

	"gorm.io/gorm"
)

// DeviceInfo records the network identity a node reported with an upload.
type DeviceInfo struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	UploadID   string    `gorm:"index" json:"upload_id"`
	ReportedAt time.Time `gorm:"index" json:"timestamp"`

	Device       string `gorm:"index" json:"device"`
	IPAddress    string `gorm:"size:32" json:"ip_address"`
	NetworkMode  string `gorm:"size:16;default:'unknown'" json:"network_mode"`
	NetworkReady bool   `json:"network_ready"`
	// SourceIP is the address the upload arrived from.
	SourceIP string `json:"source_ip"`
}

// Upload marks an entry id as stored. Nodes retry buffered entries until
// the collector acknowledges them, so the same id can arrive more than once.
type Upload struct {
	gorm.Model

	EntryID string `gorm:"uniqueIndex;not null" json:"entry_id"`
	Device  string `gorm:"index" json:"device"`
	// NodeUptime is the node's uptime in seconds when the entry was built.
	NodeUptime int64    `json:"node_uptime"`
	Sensors    []string `gorm:"serializer:json" json:"sensors"`
}
