// Package console implements the interactive keyboard surface from spec.md
// §6: single-key commands while the emulator runs, plus the per-unit
// device dialog entered by pressing a unit digit. Raw-mode keyboard
// polling is read via golang.org/x/term, following the same library the
// perkeep example repo in the reference pack depends on for terminal
// control.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"tu58fs/internal/drive"
)

// Flags are the toggles the keyboard loop mutates live (spec.md §6).
type Flags struct {
	Verbose  bool
	Debug    bool
	SendInit bool
}

// Console drives the single-key command loop.
type Console struct {
	bank     *drive.Bank
	flags    *Flags
	out      io.Writer
	in       *bufio.Reader
	restart  func()
	rawState *term.State
	rawFD    int
	isRaw    bool
}

// New creates a Console reading from stdin and writing diagnostics to out.
// restart is invoked on the 'R' key to re-spawn the protocol session loop
// (spec.md §4.F's restart operation).
func New(bank *drive.Bank, flags *Flags, out io.Writer, restart func()) *Console {
	return &Console{
		bank:    bank,
		flags:   flags,
		out:     out,
		in:      bufio.NewReader(os.Stdin),
		restart: restart,
		rawFD:   int(os.Stdin.Fd()),
	}
}

// EnterRawMode puts stdin into raw mode when it's a real terminal, so
// single keystrokes are delivered without waiting for Enter. When stdin is
// not a terminal (piped input, tests), the console falls back to
// line-buffered input.
func (c *Console) EnterRawMode() {
	if !term.IsTerminal(c.rawFD) {
		return
	}
	state, err := term.MakeRaw(c.rawFD)
	if err != nil {
		fmt.Fprintf(c.out, "ERROR: raw mode unavailable: %v\n", err)
		return
	}
	c.rawState = state
	c.isRaw = true
}

// Restore undoes EnterRawMode.
func (c *Console) Restore() {
	if c.isRaw && c.rawState != nil {
		_ = term.Restore(c.rawFD, c.rawState)
	}
}

// ReadKey returns the next single uppercase keystroke.
func (c *Console) ReadKey() (byte, error) {
	if c.isRaw {
		var buf [1]byte
		if _, err := os.Stdin.Read(buf[:]); err != nil {
			return 0, err
		}
		return upper(buf[0]), nil
	}
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return 0, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, nil
	}
	return upper(line[0]), nil
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

// Run loops reading keystrokes until 'Q' or ctx-equivalent EOF (spec.md §6).
func (c *Console) Run() {
	fmt.Fprintln(c.out, "0-7 device dialog, R restart, S toggle send init, V toggle verbose, D toggle debug, Q quit")
	for {
		key, err := c.ReadKey()
		if err != nil {
			return
		}
		switch {
		case key >= '0' && key <= '7':
			unit := int(key - '0')
			c.deviceDialog(unit)
		case key == 'V':
			c.flags.Verbose = !c.flags.Verbose
			c.flags.Debug = false
			fmt.Fprintf(c.out, "info: verbosity set to %v; debug %v\n", c.flags.Verbose, c.flags.Debug)
		case key == 'D':
			c.flags.Verbose = true
			c.flags.Debug = !c.flags.Debug
			fmt.Fprintf(c.out, "info: verbosity set to %v; debug %v\n", c.flags.Verbose, c.flags.Debug)
		case key == 'S':
			c.flags.SendInit = !c.flags.SendInit
			fmt.Fprintf(c.out, "info: send of INIT %v\n", c.flags.SendInit)
		case key == 'R':
			fmt.Fprintln(c.out, "info: restarting protocol session")
			c.restart()
		case key == 'Q':
			fmt.Fprintln(c.out, "info: quitting")
			return
		}
	}
}

// deviceDialog implements the "S/L/C" sub-menu from spec.md §4.F's offline
// dialog, grounded on the original tool's device_dialog().
func (c *Console) deviceDialog(unit int) {
	img := c.bank.Image(unit)
	if img == nil || !img.IsOpen() {
		return
	}

	c.bank.RequestOffline(unit)
	fmt.Fprintf(c.out, "info: unit %d goes offline after %v of RS232 inactivity ...\n", unit, c.bank.OfflineTimeout())

	deadline := time.Now().Add(c.bank.OfflineTimeout() + 2*time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(c.out, "info: unit %d now offline: all cartridges removed.\n", unit)

	for {
		changedNote := ""
		img.Lock()
		changed := img.Changed()
		img.Unlock()
		if changed {
			changedNote = " (unsaved changes)"
		}
		fmt.Fprintln(c.out, strings.Repeat("-", termWidth(c.rawFD)))
		fmt.Fprintf(c.out, "Choices for device %d%s:\n", unit, changedNote)
		fmt.Fprintf(c.out, "S - save image to disk%s\n", sampleOr(changed, "", " (though unchanged)"))
		if img.Shared() {
			fmt.Fprintf(c.out, "L - reload image from dir %q\n", img.HostPath())
		} else {
			fmt.Fprintf(c.out, "L <file> - load other image file (now %q)\n", img.HostPath())
		}
		fmt.Fprintln(c.out, "C - continue server with this drive online (cartridge inserted).")
		fmt.Fprint(c.out, ".\t")

		line, err := c.in.ReadString('\n')
		if err != nil {
			break
		}
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		switch upper(tokens[0][0]) {
		case 'S':
			img.Lock()
			err := img.Save()
			img.Unlock()
			if err != nil {
				fmt.Fprintf(c.out, "ERROR: saving unit %d: %v\n", unit, err)
			} else {
				fmt.Fprintf(c.out, "info: unit %d saved\n", unit)
			}
		case 'L':
			if img.Shared() {
				fmt.Fprintln(c.out, "ERROR: reload is not supported for a shared (directory-backed) device")
				break
			}
			if len(tokens) != 2 {
				fmt.Fprintln(c.out, "ERROR: syntax: \"L filename\"")
				break
			}
			if err := c.bank.ReloadUnit(unit, tokens[1]); err != nil {
				fmt.Fprintf(c.out, "ERROR: opening %q failed: %v\n", tokens[1], err)
			} else {
				fmt.Fprintf(c.out, "info: opened %q\n", tokens[1])
			}
		case 'C':
			c.bank.ClearOffline(unit)
			return
		}
	}
	c.bank.ClearOffline(unit)
}

func sampleOr(cond bool, whenTrue, whenFalse string) string {
	if cond {
		return whenTrue
	}
	return whenFalse
}
