package dataset

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/Brownie44l1/digitpad/internal/fs"
)

// Lister returns the image files of a directory in a stable order.
type Lister func(fsys fs.FileSystem, dir string) ([]string, error)

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// IsImageFile reports whether name has a corpus image extension.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// ListImageFiles returns the sorted paths of the .png/.jpg/.jpeg files directly in dir.
func ListImageFiles(fsys fs.FileSystem, dir string) ([]string, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
