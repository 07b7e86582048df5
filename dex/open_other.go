//go:build !unix

package dex

import (
	"os"

	"github.com/pkg/errors"
)

// Open reads a DEX file into memory and parses it.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dex %s", path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dex %s", path)
	}
	f.Name = path
	return f, nil
}
