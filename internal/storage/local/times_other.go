//go:build !linux

package local

import (
	"os"

	"github.com/fruitsalade/projectd/internal/storage"
)

func statTimes(path string) (storage.Times, error) {
	info, err := os.Stat(path)
	if err != nil {
		return storage.Times{}, err
	}
	return storage.Times{Created: info.ModTime(), Modified: info.ModTime()}, nil
}
