package store

import "strconv"

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

// parseInt treats an unparseable or empty string as zero rather than
// erroring, matching the tolerant reads the window engine performs against
// entries it did not itself write (e.g. a value left over from a previous
// deployment's key namespace).
func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
