package model

import "time"

// User mirrors the host application's account record. This module only
// reads it; ownership stays with the host.
type User struct {
	UserID    uint64    `gorm:"column:user_id;primaryKey;autoIncrement"`
	Email     string    `gorm:"column:email;type:text;not null;uniqueIndex"`
	Username  string    `gorm:"column:username;type:text;not null"`
	FirstName string    `gorm:"column:first_name;type:text;not null"`
	LastName  string    `gorm:"column:last_name;type:text;not null"`
	JoinedAt  time.Time `gorm:"column:joined_at;not null"`
}

func (User) TableName() string {
	return "users"
}
