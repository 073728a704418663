package utils

import (
	"crypto/md5"
	"fmt"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// ChunkID derives the stable identity of an indexed chunk. Ingesting an
// unchanged source must produce the same ids so upserts replace rows
// instead of duplicating them.
func ChunkID(source, text string) string {
	return HashString(source + "\x00" + text)
}
