// Package models defines persisted entities and crawl records.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Seller is a marketplace store, identified by its unique name.
type Seller struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"not null;uniqueIndex" json:"name"`
	StoreURL string `gorm:"not null" json:"store_url"`
}

// Card is a reference catalog entry. The pipeline only reads cards; they are
// written by the catalog import.
type Card struct {
	ID         uint                        `gorm:"primaryKey" json:"id"`
	ExternalID uuid.UUID                   `gorm:"type:uuid;not null;uniqueIndex" json:"external_id"`
	Name       string                      `gorm:"not null;index" json:"name"`
	SetName    string                      `gorm:"not null" json:"set_name"`
	ImageURL   string                      `json:"image_url"`
	ManaCost   *string                     `json:"mana_cost,omitempty"`
	ManaValue  *int                        `json:"mana_value,omitempty"`
	Types      datatypes.JSONSlice[string] `gorm:"not null" json:"types"`
	Power      *string                     `json:"power,omitempty"`
	Toughness  *string                     `json:"toughness,omitempty"`
	Legality   datatypes.JSONSlice[string] `gorm:"not null" json:"legality"`
}

// Listing is one seller's offer for one card.
type Listing struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ExternalID int64     `gorm:"not null;uniqueIndex" json:"external_id"`
	SellerID   uint      `gorm:"not null;index" json:"seller_id"`
	CardID     uint      `gorm:"not null;index" json:"card_id"`
	Price      float64   `gorm:"not null;check:price >= 0" json:"price"`
	Quantity   int       `gorm:"not null;check:quantity >= 0" json:"quantity"`
	Condition  string    `gorm:"not null" json:"condition"`
	Foil       bool      `gorm:"not null" json:"foil"`
	Language   string    `gorm:"not null" json:"language"`
	LastSeen   time.Time `gorm:"not null" json:"last_seen"`

	Seller *Seller `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Card   *Card   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// ListingMutableColumns are overwritten when a listing is observed again.
var ListingMutableColumns = []string{"price", "quantity", "condition", "foil", "language", "last_seen"}

// CardMutableColumns are overwritten when the catalog import sees a card again.
var CardMutableColumns = []string{"name", "set_name", "image_url", "mana_cost", "mana_value", "types", "power", "toughness", "legality"}
