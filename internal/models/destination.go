package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AEDestination is a persisted C-MOVE destination. The database is optional;
// when enabled, persisted rows are loaded into the in-memory directory at
// startup and written through on changes.
type AEDestination struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	AETitle     string    `gorm:"uniqueIndex;not null;size:16" json:"aeTitle"`
	Host        string    `gorm:"not null" json:"host"`
	Port        int       `gorm:"not null" json:"port"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// BeforeCreate assigns the row ID.
func (d *AEDestination) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// DestinationRequest is the management API payload for creating or updating
// a destination.
type DestinationRequest struct {
	AETitle     string `json:"aeTitle" validate:"required,max=16"`
	Host        string `json:"host" validate:"required"`
	Port        int    `json:"port" validate:"required,gte=1,lte=65535"`
	Description string `json:"description"`
}

// ConnectionTestRequest asks the gateway to C-ECHO a remote AE.
type ConnectionTestRequest struct {
	AETitle string `json:"aeTitle" validate:"required,max=16"`
	Host    string `json:"host" validate:"required"`
	Port    int    `json:"port" validate:"required,gte=1,lte=65535"`
}

// ConnectionStatus is the outcome of a connection test.
type ConnectionStatus struct {
	IsConnected  bool      `json:"isConnected"`
	LastChecked  time.Time `json:"lastChecked"`
	ResponseTime int64     `json:"responseTimeMs"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}
