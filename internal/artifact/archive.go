package artifact

import (
	"archive/zip"
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Artifact is a packaged deliverable held for one user.
type Artifact struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Task      string    `json:"task"`
	Language  string    `json:"language"`
	Platform  string    `json:"platform,omitempty"`
	EntryName string    `json:"entry_name"`
	FileName  string    `json:"file_name"`
	Code      string    `json:"-"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Size returns the archive size in bytes.
func (a *Artifact) Size() int { return len(a.Data) }

// Package wraps content as the single entry of a zip archive. The entry
// and archive names derive from the task.
func Package(userID string, c Content) (*Artifact, error) {
	stem := FileToken(c.Task)
	entry := stem + c.Extension
	modified := time.Now().UTC()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     entry,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return nil, fmt.Errorf("creating archive entry: %w", err)
	}
	if _, err := w.Write([]byte(c.Code)); err != nil {
		return nil, fmt.Errorf("writing archive entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}

	return &Artifact{
		ID:        uuid.New().String(),
		UserID:    userID,
		Task:      c.Task,
		Language:  c.Language,
		Platform:  c.Platform,
		EntryName: entry,
		FileName:  stem + ".zip",
		Code:      c.Code,
		Data:      buf.Bytes(),
		CreatedAt: modified,
	}, nil
}
