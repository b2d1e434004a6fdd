package shared

import (
	"fmt"

	"github.com/google/uuid"
)

// LedgerRebuildLockKey builds the redis key guarding a snapshot rebuild.
func LedgerRebuildLockKey(coldStorageID uuid.UUID) string {
	return fmt.Sprintf("ledger:%s:rebuild:lock", coldStorageID)
}
