package shared

import "fmt"

// StockTakeCompletionLockKey builds the redis key guarding session completion.
func StockTakeCompletionLockKey(sessionID int64) string {
	return fmt.Sprintf("stocktake:session:%d:complete", sessionID)
}

// StockTakeCompletionKey is the idempotency key of a session completion.
func StockTakeCompletionKey(sessionID int64) string {
	return fmt.Sprintf("stocktake:complete:%d", sessionID)
}
