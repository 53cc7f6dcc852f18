package partition

// MiddleKey returns a key lexicographically between start and end. Keys are
// read as base-256 fractions, an empty end counts as 1.0, so the result is the
// average of the two padded to the longer length. When that average collapses
// onto start one more digit of precision is added.
func MiddleKey(start, end string) string {
	n := max(len(start), len(end), 1)
	for {
		mid := averageKeys(start, end, n)
		if mid > start || n > len(start)+len(end)+1 {
			return mid
		}
		n++
	}
}

func averageKeys(start, end string, n int) string {
	sum := make([]int, n)
	carry := 0
	if end == "" {
		carry = 1
	}
	for i := n - 1; i >= 0; i-- {
		v := digit(start, i) + digit(end, i) + sum[i]
		sum[i] = v % 256
		if i > 0 {
			sum[i-1] += v / 256
		} else {
			carry += v / 256
		}
	}

	out := make([]byte, n)
	rem := carry
	for i := 0; i < n; i++ {
		v := rem*256 + sum[i]
		out[i] = byte(v / 2)
		rem = v % 2
	}
	return string(out)
}

func digit(key string, i int) int {
	if i < len(key) {
		return int(key[i])
	}
	return 0
}
