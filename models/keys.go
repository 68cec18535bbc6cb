package models

import (
	"fmt"

	"github.com/google/uuid"
)

// SourceKey returns a fresh object key for an uploaded file.
func SourceKey(ext string) string {
	return fmt.Sprintf("uploads/%s.%s", uuid.NewString(), ext)
}

// ConvertedKey returns the object key of a job's output. It is derived from
// the job id so a retried upload overwrites rather than duplicates.
func ConvertedKey(jobID, targetFormat string) string {
	return fmt.Sprintf("converted/%s.%s", jobID, targetFormat)
}
