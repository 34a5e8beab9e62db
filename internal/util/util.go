package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDs are sortable, which keeps "pending, oldest first" cheap on an
// indexed id column.
func NewCampaignID() string {
	return "cmp_" + newULID()
}

func NewTargetID() string {
	return "tgt_" + newULID()
}

func NewResponseID() string {
	return "rsp_" + newULID()
}

// NewHolderID names a worker instance for lease ownership.
func NewHolderID() string {
	return "wrk_" + newULID()
}

func newULID() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
