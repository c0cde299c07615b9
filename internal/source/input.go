package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies what an identifier points at.
type Kind int

const (
	KindDevice Kind = iota
	KindStream
	KindImage
	KindVideo
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindStream:
		return "stream"
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

var (
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}
	videoExts = map[string]bool{".mp4": true, ".avi": true}
)

// IsImagePath reports whether the file extension is a supported still image.
func IsImagePath(p string) bool { return imageExts[strings.ToLower(filepath.Ext(p))] }

// IsVideoPath reports whether the file extension is a supported video container.
func IsVideoPath(p string) bool { return videoExts[strings.ToLower(filepath.Ext(p))] }

// Classify decides how an identifier should be opened. Numeric identifiers are
// device indexes; existing paths are classified by type and extension; any
// other string is treated as a stream URL.
func Classify(id string) (Kind, error) {
	if id == "" {
		return 0, fmt.Errorf("source: empty identifier")
	}
	if _, err := strconv.Atoi(id); err == nil {
		return KindDevice, nil
	}
	if strings.Contains(id, "://") {
		return KindStream, nil
	}

	info, err := os.Stat(id)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("source: %s: not found", id)
		}
		return 0, fmt.Errorf("source: stat %s: %w", id, err)
	}
	switch {
	case info.IsDir():
		return KindDirectory, nil
	case IsImagePath(id):
		return KindImage, nil
	case IsVideoPath(id):
		return KindVideo, nil
	default:
		return 0, fmt.Errorf("source: %s: unsupported file type", id)
	}
}

// ListMedia returns the image and video files directly inside dir, sorted by
// name. Subdirectories and unsupported files are skipped.
func ListMedia(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("source: read dir %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if IsImagePath(name) || IsVideoPath(name) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}
