package repository

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/tremor-api/internal/decision"
)

// User is a registered account.
type User struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:72;not null"`
	Name         string    `gorm:"column:name;size:200"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

// BeforeCreate assigns the primary key.
func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// TestRecord is one saved drawing test. Records are never updated.
type TestRecord struct {
	ID           string                    `gorm:"primaryKey;size:36"`
	UserID       string                    `gorm:"column:user_id;size:36;not null;index:idx_test_records_user_created,priority:1"`
	ImagePath    string                    `gorm:"column:image_path;size:255;not null"`
	SensorCSV    *string                   `gorm:"column:sensor_csv;type:text"`
	Age          *int                      `gorm:"column:age"`
	DominantHand *string                   `gorm:"column:dominant_hand;size:8"`
	Result       *decision.InferenceResult `gorm:"column:result;type:text;serializer:json"`
	Decision     *string                   `gorm:"column:decision;size:64"`
	Score        *float64                  `gorm:"column:score"`
	CreatedAt    time.Time                 `gorm:"column:created_at;index:idx_test_records_user_created,priority:2,sort:desc"`
}

// TableName overrides the default table name.
func (TestRecord) TableName() string {
	return "test_records"
}

// BeforeCreate assigns a time-ordered primary key, which breaks ties between
// records created in the same clock tick in insertion order.
func (r *TestRecord) BeforeCreate(*gorm.DB) error {
	if r.ID != "" {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	r.ID = id.String()
	return nil
}
