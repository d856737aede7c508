package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// QuarantineDir is the directory, relative to the data root, that receives unreadable files.
const QuarantineDir = "quarantine"

// Quarantine moves filePath into root/quarantine and returns its new location.
func Quarantine(root, filePath string) (string, error) {
	dir := filepath.Join(root, QuarantineDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dest := filepath.Join(dir, name)
	if err := os.Rename(filePath, dest); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dest, nil
}

// RestoreFromBackup replaces filePath with filePath.bak when the backup parses.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + BackupSuffix
	content, err := os.ReadFile(bakPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Recover quarantines a corrupted file and tries to put its backup in place.
// It reports whether a backup was restored.
func Recover(root, filePath string) (bool, error) {
	if _, err := Quarantine(root, filePath); err != nil {
		return false, fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath); err != nil {
		return false, nil
	}
	return true, nil
}
