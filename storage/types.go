package storage

import (
	"errors"
	"time"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
