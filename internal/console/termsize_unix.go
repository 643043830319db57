//go:build !windows

package console

import "golang.org/x/sys/unix"

// termWidth returns the terminal's column count, or 80 if it can't be
// determined (piped stdin, non-tty).
func termWidth(fd int) int {
	ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err != nil || ws.Col == 0 {
		return 80
	}
	return int(ws.Col)
}
