package snapshot

import "time"

// setDeleteSettleDelayForTest overrides deleteSettleDelay for the duration
// of a test, so TestCreateRebuildsEvenIfExisting doesn't actually sleep.
func setDeleteSettleDelayForTest(d time.Duration) {
	deleteSettleDelay = d
}
