package blobstore

import "fmt"

// Key discipline: the {unix_ts} component is chosen once per job at
// admission and reused across retries, which keeps Put idempotent.

func StagingKey(jobID string) string {
	return fmt.Sprintf("staging/%s", jobID)
}

func OriginalKey(jobID string, uploadTS int64, contentType string) string {
	return fmt.Sprintf("original/%s_%d%s", jobID, uploadTS, ExtForContentType(contentType))
}

func ProcessedKey(jobID string, uploadTS int64, contentType string) string {
	return fmt.Sprintf("processed/%s_%d%s", jobID, uploadTS, ExtForContentType(contentType))
}

// ExtForContentType maps a MIME type to a file extension, ".bin" when
// unrecognized.
func ExtForContentType(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	case "image/tiff":
		return ".tiff"
	default:
		return ".bin"
	}
}
