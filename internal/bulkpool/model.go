// Package bulkpool implements the persistent bulk key block service: a
// sender pre-provisions fixed-size key blocks that a receiver later lists
// and fetches, with at-most-one delivery accounting. Blocks live in a
// MongoDB collection behind the Store interface; an in-memory Store exists
// for tests and MongoDB-less deployments.
package bulkpool

import "time"

// BlockSizeBytes is the fixed size of every bulk key block (1 KiB).
const BlockSizeBytes = 1024

// MaxBlocksPerRequest bounds both request_key_pool's count and fetch's
// keyIds length.
const MaxBlocksPerRequest = 10000

// Block is a single persisted key block.
type Block struct {
	KeyID               string
	SenderID            string
	ReceiverID          string
	KeyData             string // base64-encoded, always BlockSizeBytes bytes decoded
	DeliveredToReceiver bool
	CreatedAt           time.Time
}
