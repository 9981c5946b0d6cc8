package utils

import "strings"

// Match checks whether value matches pattern. Patterns may include the
// wildcard '*', which matches any sequence of characters (including none).
// A trailing ".*" or "/*" additionally matches the bare prefix, so
// "billing.*" matches both "billing.update" and "billing".
func Match(value, pattern string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return value == prefix || strings.HasPrefix(value, prefix+".")
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return value == prefix || strings.HasPrefix(value, prefix+"/")
	}
	return matchPattern(value, pattern)
}

// matchPattern matches a plain value against a pattern containing '*' wildcards.
func matchPattern(value, pattern string) bool {
	vIndex, pIndex := 0, 0
	vLen, pLen := len(value), len(pattern)

	for pIndex < pLen {
		if pattern[pIndex] == '*' {
			// '*' matches any sequence; if it's last, accept
			if pIndex == pLen-1 {
				return true
			}
			// Find the literal run after '*' and scan for it
			next := pIndex + 1
			end := next
			for end < pLen && pattern[end] != '*' {
				end++
			}
			lit := pattern[next:end]
			idx := strings.Index(value[vIndex:], lit)
			if idx < 0 {
				return false
			}
			vIndex += idx + len(lit)
			pIndex = end
			continue
		}
		if vIndex < vLen && pattern[pIndex] == value[vIndex] {
			vIndex++
			pIndex++
		} else {
			return false
		}
	}
	return vIndex == vLen
}
