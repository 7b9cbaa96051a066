package identity

import (
	"strings"
	"time"
)

// User is the persisted account record. Usernames and emails are unique
// across all users; uniqueness is enforced at write time by the service.
type User struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	Username     string    `gorm:"column:username;size:190;not null;uniqueIndex"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	AvatarURL    string    `gorm:"column:avatar_url;size:512"`
	PasswordHash string    `gorm:"column:password_hash;size:190;not null"`
	PushToken    string    `gorm:"column:push_token;size:512"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// Name returns the best human label for the user: display name when set,
// username otherwise.
func (u User) Name() string {
	if name := strings.TrimSpace(u.DisplayName); name != "" {
		return name
	}
	return u.Username
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
