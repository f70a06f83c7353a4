package iothub

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/google/uuid"
)

// DeliveryTagLength is the size of tags produced by a deliveryTagCounter
// and of every tag that can be expressed as a lock token.
const DeliveryTagLength = 16

// DeliveryTag identifies one delivery on a connection.
type DeliveryTag []byte

// deliveryTagCounter hands out tags from a counter shared by all senders
// on one connection. The counter only repeats after 2^64 tags.
type deliveryTagCounter struct {
	next atomic.Uint64
}

func (counter *deliveryTagCounter) nextTag() DeliveryTag {
	value := counter.next.Add(1)
	tag := make(DeliveryTag, DeliveryTagLength)
	binary.BigEndian.PutUint64(tag[8:], value)
	return tag
}

// LockToken renders tag as the UUID string the public API uses to refer
// to a received message.
func (tag DeliveryTag) LockToken() (string, error) {
	if len(tag) != DeliveryTagLength {
		return "", NewError(InvalidArgumentError, "delivery tag must be 16 bytes to form a lock token")
	}
	var id uuid.UUID
	copy(id[:], tag)
	return id.String(), nil
}

// ConvertLockTokenToDeliveryTag is the inverse of DeliveryTag.LockToken.
// Only the canonical 36 character form is accepted.
func ConvertLockTokenToDeliveryTag(lockToken string) (DeliveryTag, error) {
	if len(lockToken) != 36 {
		return nil, NewError(InvalidArgumentError, "malformed lock token "+lockToken)
	}
	id, err := uuid.Parse(lockToken)
	if err != nil {
		return nil, NewError(InvalidArgumentError, "malformed lock token "+lockToken, err)
	}
	tag := make(DeliveryTag, DeliveryTagLength)
	copy(tag, id[:])
	return tag, nil
}
