package storage

import "fmt"

func errDuplicateID(id string) error {
	return fmt.Errorf("storage: duplicate id %q", id)
}
