// Package util contains helper functions used around the code.
package util

// In returns true if s is found in ss, false otherwise
func In(ss []string, s string) bool {
	for _, v := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// Short abbreviates a wallet address for log lines, keeping the first and last 8 characters.
func Short(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + ".." + addr[len(addr)-8:]
}
