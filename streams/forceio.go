package streams

// Force I/O: retry short transfers until the full length is moved or the
// callee reports EOF or an error.

// forcePIO loops one positional I/O primitive to completion. A short return
// from io is retried at the advanced offset; a zero or negative return ends
// the loop, reporting whatever was transferred so far.
func forcePIO(
	p []byte,
	off int64,
	io func(p []byte, off int64) (int, error),
) (int, error) {
	done := 0
	for len(p) > 0 {
		n, err := io(p, off)
		if n <= 0 {
			if done > 0 {
				return done, nil
			}
			return n, err
		}
		off += int64(n)
		done += n
		p = p[n:]
	}
	return done, nil
}

// ForceReadAt reads exactly len(p) bytes from s at off, unless the stream
// ends or errors first.
func ForceReadAt(s Stream, p []byte, off int64) (int, error) {
	return forcePIO(p, off, s.ReadAt)
}

// ForceWriteAt writes exactly len(p) bytes to s at off, unless the stream
// refuses to grow or errors first.
func ForceWriteAt(s Stream, p []byte, off int64) (int, error) {
	return forcePIO(p, off, s.WriteAt)
}
