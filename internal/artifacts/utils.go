package artifacts

import (
	"errors"
	"path/filepath"
	"strings"
)

const fileScheme = "file://"

// FileURI returns the file:// URI of path.
func FileURI(path string) string {
	return fileScheme + filepath.ToSlash(path)
}

// PathFromURI returns the local path of a file:// URI.
func PathFromURI(uri string) (string, error) {
	path, ok := strings.CutPrefix(uri, fileScheme)
	if !ok {
		return "", errors.New("not a file:// URI")
	}
	return filepath.FromSlash(path), nil
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".tfw":
		return "text/plain"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// SafeName maps a pair id to the fragment used in its artifact file names.
// Distinct ids can map to the same fragment.
func SafeName(value string) string {
	var builder strings.Builder
	for _, r := range strings.TrimSpace(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	if builder.Len() == 0 {
		return "_"
	}
	return builder.String()
}
