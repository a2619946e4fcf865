package wire

// putFixedString copies at most len(buf)-1 bytes of s into buf and
// zero-fills the remainder, per spec §4.1: fixed strings are
// null-padded, not null-terminated by convention, but the encoder
// always leaves at least one trailing zero so the decoder's
// first-zero scan is well defined even for a maximal-length string.
func putFixedString(buf []byte, s string) {
	for i := range buf {
		buf[i] = 0
	}
	n := len(buf) - 1
	if n > len(s) {
		n = len(s)
	}
	copy(buf, s[:n])
}

// getFixedString returns the bytes of buf up to the first zero byte.
func getFixedString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
