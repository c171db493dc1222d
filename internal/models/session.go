package models

import "time"

// Session binds a role to its remote conversation thread.
type Session struct {
	Role      string    `json:"role"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}
