package acl

import (
	"fmt"
	"os"
)

// LoadFile reads and parses the ACL file at path.
func LoadFile(path string) (*ACL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("acl: open %s: %w", path, err)
	}
	defer f.Close()

	a, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("acl: %s: %w", path, err)
	}
	return a, nil
}
