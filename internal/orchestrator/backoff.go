package orchestrator

import "time"

// RetryBackoff 第 attempt 次尝试失败后的重试等待：base * 2^(attempt-1)，上限 cap
func RetryBackoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 60 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	// 位移溢出保护
	if attempt > 30 {
		return cap
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}
