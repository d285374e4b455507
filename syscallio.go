package reactor

import "syscall"

// readRetryEINTR and writeRetryEINTR retry a single raw syscall on
// EINTR and otherwise return immediately, including on EAGAIN — the
// caller decides what EAGAIN means. Grounded directly on the teacher's
// tryRead/tryWrite loops in gaio's watcher.go.
func readRetryEINTR(fd int, buf []byte) (int, error) {
	for {
		n, err := syscall.Read(fd, buf)
		if err == syscall.EINTR {
			continue
		}
		return n, err
	}
}

func writeRetryEINTR(fd int, buf []byte) (int, error) {
	for {
		n, err := syscall.Write(fd, buf)
		if err == syscall.EINTR {
			continue
		}
		return n, err
	}
}
