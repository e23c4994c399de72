package model

import (
	"time"
)

type WatchedAddress struct {
	ID        int       `db:"id"`
	Address   string    `db:"address"`
	Network   string    `db:"network"`
	UserID    string    `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
}
