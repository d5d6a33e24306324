package jsonrpc

// ExtractFirstObject scans buf for the first complete top-level JSON
// object, tracking brace depth while ignoring braces inside string
// literals (and their escape sequences). It returns the object's bytes and
// true if one was found; otherwise it returns nil, false so the caller
// can keep waiting for more fragments.
func ExtractFirstObject(buf []byte) ([]byte, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, b := range buf {
		if start == -1 {
			if b == '{' {
				start = i
				depth = 1
			}
			continue
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return buf[start : i+1], true
			}
		}
	}

	return nil, false
}
