package redis

import "fmt"

// QueueLockKey 队列重排锁。
func QueueLockKey() string { return "mediserve:lock:queue" }

// MedicineLockKey 药品批次"先读后扣"锁。
func MedicineLockKey(medicineID uint) string {
	return fmt.Sprintf("mediserve:lock:medicine:%d", medicineID)
}

// CartLockKey 保证每个用户只有一个 Pending 订单。
func CartLockKey(userID uint) string {
	return fmt.Sprintf("mediserve:lock:cart:%d", userID)
}

// StockKey 缓存药品当前可用库存，仅供展示。
func StockKey(medicineID uint) string {
	return fmt.Sprintf("mediserve:stock:%d", medicineID)
}

// CheckoutRateKey 用户结算限流的滑动窗口 key。
func CheckoutRateKey(userID string) string {
	return fmt.Sprintf("rate_limit:checkout:user:%s", userID)
}
