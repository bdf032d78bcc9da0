package claims

// replayGuard owns the consumed-claim set. Keys are the claim id for
// continuous claims and (campaign, claimant) for tiered drops.
type replayGuard struct{}

// checkAndMark records key as consumed inside tx. It fails with
// ErrAlreadyClaimed when the key was consumed before; the mark only becomes
// durable when tx commits and disappears if tx is reverted.
func (replayGuard) checkAndMark(tx *txStore, key []byte, record storedClaimRecord) error {
	consumed, err := tx.has(key)
	if err != nil {
		return err
	}
	if consumed {
		return ErrAlreadyClaimed
	}
	return tx.put(key, record)
}

func (replayGuard) consumed(tx *txStore, key []byte) (bool, error) {
	return tx.has(key)
}

func (replayGuard) record(tx *txStore, key []byte) (*storedClaimRecord, bool, error) {
	var record storedClaimRecord
	ok, err := tx.get(key, &record)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &record, true, nil
}
