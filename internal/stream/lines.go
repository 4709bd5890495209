package stream

import "bytes"

// lineBuffer reassembles newline-delimited records from arbitrary byte slices.
// '\n' never occurs inside a multi-byte UTF-8 sequence, so splitting on the raw
// byte is safe before decoding.
type lineBuffer struct {
	buf []byte
}

// push appends p and returns every complete line, without the terminator.
// A trailing partial line stays buffered.
func (lb *lineBuffer) push(p []byte) []string {
	lb.buf = append(lb.buf, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(lb.buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(lb.buf[:idx], "\r")))
		lb.buf = lb.buf[idx+1:]
	}
	if len(lb.buf) == 0 {
		lb.buf = nil
	}
	return lines
}

// rest drains the buffered partial line.
func (lb *lineBuffer) rest() string {
	s := string(lb.buf)
	lb.buf = nil
	return s
}
