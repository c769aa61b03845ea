package text

// Truncate 按 rune 截断，超长时追加省略号。
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	rs := []rune(s)
	if len(rs) <= max {
		return s
	}
	return string(rs[:max]) + "..."
}
