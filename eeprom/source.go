package eeprom

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DefaultDir is where the EEPROM utility leaves record dumps on the host.
const DefaultDir = "/etc/daqhat"

// Source locates the identification record blob for a board address.
type Source interface {
	// ReadRecord returns the raw record bytes for the board at the given
	// address. It returns an error when no record exists for that address.
	ReadRecord(address int) ([]byte, error)
}

// DirSource reads record dumps named eeprom-<address>.bin from a directory.
// The install-time utility writes one file per populated address.
type DirSource struct {
	Dir string
}

// ReadRecord implements Source.
func (s DirSource) ReadRecord(address int) ([]byte, error) {
	path := filepath.Join(s.Dir, fmt.Sprintf("eeprom-%d.bin", address))
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading record for address %d", address)
	}
	return blob, nil
}
