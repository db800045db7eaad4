// Package keyhash derives partition keys for constraint records.
package keyhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// UniqueConstraintPK computes a hash-distributed partition key for a unique
// column value, so claims spread across partitions.
func UniqueConstraintPK(table, column string, value any) string {
	data := fmt.Sprintf("%s#%s#%v", table, column, value)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16]) // 128-bit hash as hex
}
