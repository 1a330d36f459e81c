package ledger

import (
	"fmt"
	"strconv"
)

// Badger key layout. Batch ids are allocated sequentially starting at 1;
// zero is the sentinel for "not found" everywhere a code is resolved.
const (
	keySeq          = "batch/seq"
	keyLastHeight   = "last_block_height"
	keyLastAppHash  = "last_block_app_hash"
	prefixCore      = "batch/core/"
	prefixState     = "batch/state/"
	prefixHistory   = "batch/history/"
	prefixCodeIndex = "batch/code/"
)

func coreKey(id uint64) []byte    { return []byte(prefixCore + strconv.FormatUint(id, 10)) }
func stateKey(id uint64) []byte   { return []byte(prefixState + strconv.FormatUint(id, 10)) }
func historyKey(id uint64) []byte { return []byte(prefixHistory + strconv.FormatUint(id, 10)) }
func codeKey(code string) []byte  { return []byte(prefixCodeIndex + code) }

func parseID(val []byte) (uint64, error) {
	id, err := strconv.ParseUint(string(val), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt batch id %q: %w", val, err)
	}
	return id, nil
}

func formatID(id uint64) []byte {
	return []byte(strconv.FormatUint(id, 10))
}
