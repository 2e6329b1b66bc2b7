package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relabs-tech/iotsetup/core/logger"
)

// Filesystem stores secrets as files in a base folder
type Filesystem struct {
	baseFolder string
}

// NewFilesystem returns a new Filesystem
func NewFilesystem(baseFolder string) *Filesystem {
	return &Filesystem{baseFolder: baseFolder}
}

// Path returns the path of the file for name
func (f *Filesystem) Path(name string) string {
	return filepath.Join(f.baseFolder, name)
}

func (f *Filesystem) checkName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.ContainsRune(name, os.PathSeparator) {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}

// Save writes data to the file for name, replacing an existing file. Private keys are
// readable by the owner only. The file is synced before Save returns.
func (f *Filesystem) Save(ctx context.Context, name string, data []byte) error {
	if err := f.checkName(name); err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if strings.HasSuffix(name, ".key") {
		mode = 0600
	}

	p := f.Path(name)
	file, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err = file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err = file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err = file.Close(); err != nil {
		return err
	}
	// O_CREATE does not change the mode of an existing file
	if err = os.Chmod(p, mode); err != nil {
		return err
	}
	logger.FromContext(ctx).Debugf("stored %s (%d bytes)", p, len(data))
	return nil
}

// Load reads the file for name
func (f *Filesystem) Load(ctx context.Context, name string) ([]byte, error) {
	if err := f.checkName(name); err != nil {
		return nil, err
	}
	return os.ReadFile(f.Path(name))
}
