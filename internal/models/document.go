package models

import "time"

// Document is an uploaded PDF known to the AI service under (UserID, Name).
type Document struct {
	UserID     string    `json:"-"`
	Name       string    `json:"name"`
	UploadTime time.Time `json:"uploadTime"`
}
