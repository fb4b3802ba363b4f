package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stereoforge/pairbatch/internal/settings"
)

// Init creates the workspace directories of s and, when configPath is set and
// nothing exists there yet, writes the sample configuration. Existing files
// are left untouched.
func Init(s settings.Settings, configPath string) error {
	for _, dir := range []string{s.Workspace, s.ImagesPath(), s.OutputPath()} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		getLogger().Info("directory ready", "path", dir)
	}

	if configPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(configPath), err)
	}
	f, err := os.OpenFile(configPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		getLogger().Info("keeping existing configuration", "path", configPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", configPath, err)
	}
	if _, err := f.Write(settings.Sample()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", configPath, err)
	}
	getLogger().Info("sample configuration written", "path", configPath)
	return nil
}

// Verify checks that a run can start: the manifest is a file, the images
// directory exists and the output directory can be written to.
func Verify(s settings.Settings) error {
	var errs []error

	if err := expect(s.ManifestPath(), false); err != nil {
		errs = append(errs, fmt.Errorf("manifest: %w", err))
	}
	if err := expect(s.ImagesPath(), true); err != nil {
		errs = append(errs, fmt.Errorf("images directory: %w", err))
	}
	if err := writable(s.OutputPath()); err != nil {
		errs = append(errs, fmt.Errorf("output directory: %w", err))
	}
	return errors.Join(errs...)
}

func expect(path string, dir bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s does not exist", path)
	}
	if dir && !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	if !dir && !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}

// writable creates the output directory if needed and probes it with a
// temporary file.
func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".pairbatch-probe-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := probe.Name()
	return errors.Join(probe.Close(), os.Remove(name))
}
