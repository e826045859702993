package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel provides common fields for all database models
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// AppClient is a registered app build allowed to submit donations
type AppClient struct {
	BaseModel
	ClientID    string `json:"client_id" gorm:"uniqueIndex;not null"`
	Name        string `json:"name" gorm:"not null"`
	APIKey      string `json:"-" gorm:"uniqueIndex;not null"`
	Platform    string `json:"platform" gorm:"size:20"` // android, ios or empty for both
	PackageName string `json:"package_name"`            // Play package name, used when consuming purchases
	IsActive    bool   `json:"is_active" gorm:"default:true"`
	Description string `json:"description"`
}

func (AppClient) TableName() string {
	return "app_clients"
}
