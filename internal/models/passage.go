package models

import "time"

// Passage is one indexed chunk of a tenant's ingested content. Namespace
// scopes the row to a tenant and site when several namespaces share a
// database.
type Passage struct {
	ID        uint              `gorm:"primaryKey;autoIncrement"`
	Namespace string            `gorm:"size:191;not null;index"`
	Position  int               `gorm:"not null"`
	Text      string            `gorm:"type:text;not null"`
	Vector    []float32         `gorm:"serializer:json;type:text"`
	Metadata  map[string]string `gorm:"serializer:json;type:text"`
	CreatedAt time.Time
}
