package models

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	PartitionLeasePrefix = "partition/"
	MemberLeasePrefix    = "member/"
)

// Lease is a time-bounded ownership claim on a key.
type Lease struct {
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the lease is unexpired at now.
func (l Lease) Valid(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// PartitionLeaseKey is the lease key of partition n.
func PartitionLeaseKey(n int) string {
	return PartitionLeasePrefix + strconv.Itoa(n)
}

// MemberLeaseKey is the heartbeat lease key of a worker.
func MemberLeaseKey(workerID string) string {
	return MemberLeasePrefix + workerID
}

// PartitionHash is the stable hash used to place an instance id in a
// partition. The top bit is dropped so the value fits a signed BIGINT column.
func PartitionHash(id string) int64 {
	return int64(xxhash.Sum64String(id) >> 1)
}

// Partition maps an instance id to one of count partitions.
func Partition(id string, count int) int {
	if count <= 1 {
		return 0
	}

	return int(PartitionHash(id) % int64(count))
}
