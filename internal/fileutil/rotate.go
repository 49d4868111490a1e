// Package fileutil holds small filesystem helpers shared by handlers and
// the source connector.
package fileutil

import (
	"fmt"
	"os"
	"time"
)

// DefaultRotateKeep is the number of rotated generations kept when the
// caller does not choose one.
const DefaultRotateKeep = 10

// RotateFile shifts an existing rotation chain one generation down and
// renames basename.ext to basename_1.ext, dropping the oldest generation
// once keep files exist. Missing files are skipped; the target name is
// free on return.
func RotateFile(basename, ext string, keep int) error {
	if keep <= 0 {
		keep = DefaultRotateKeep
	}
	current := basename + "." + ext
	if _, err := os.Stat(current); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", current, err)
	}

	for number := keep - 1; number > 0; number-- {
		oldName := fmt.Sprintf("%s_%d.%s", basename, number, ext)
		if _, err := os.Stat(oldName); err != nil {
			continue
		}
		newName := fmt.Sprintf("%s_%d.%s", basename, number+1, ext)
		if err := os.Rename(oldName, newName); err != nil {
			return fmt.Errorf("rotate %s: %w", oldName, err)
		}
	}
	if err := os.Rename(current, basename+"_1."+ext); err != nil {
		return fmt.Errorf("rotate %s: %w", current, err)
	}
	return nil
}

// CaptureFilename rotates and returns today's capture file name,
// YYYYMMDD.cap.
func CaptureFilename(now time.Time) (string, error) {
	base := now.Format("20060102")
	if err := RotateFile(base, "cap", DefaultRotateKeep); err != nil {
		return "", err
	}
	return base + ".cap", nil
}
