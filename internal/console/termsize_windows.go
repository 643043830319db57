//go:build windows

package console

// termWidth always returns a fixed fallback width on Windows, where the
// TU58 emulator's console output doesn't depend on exact column counts.
func termWidth(fd int) int {
	return 80
}
