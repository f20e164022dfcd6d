// watchmux/watch/scan.go
package watch

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Temporary outputs are written alongside the source as ".<name>.tmp".
// The dot prefix plus reserved suffix can never collide with a legitimate
// candidate filename, and a crash mid-transcode leaves an orphan that
// SweepOrphans recognizes on the next startup.
const tempSuffix = ".tmp"

// TempPath returns the temporary output path for a source file.
func TempPath(src string) string {
	return filepath.Join(filepath.Dir(src), "."+filepath.Base(src)+tempSuffix)
}

// IsTempName reports whether a base name follows the temporary-output
// naming contract.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, tempSuffix)
}

// Scan walks root and returns the absolute paths of all files with the
// given extension (case-insensitive), sorted for deterministic seeding.
// Dotfiles are skipped so temporary outputs are never candidates.
func Scan(root, ext string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if strings.EqualFold(filepath.Ext(name), ext) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// SweepOrphans removes temporary outputs left behind by an interrupted
// run. Returns how many were removed.
func SweepOrphans(root string) int {
	removed := 0
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Printf("Sweep: skipping %s: %v", path, err)
			return nil
		}
		if d.IsDir() || !IsTempName(d.Name()) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			log.Printf("Sweep: could not remove orphan %s: %v", path, err)
			return nil
		}
		log.Printf("Sweep: removed orphan temp file %s", path)
		removed++
		return nil
	})
	return removed
}
