// Command tu58fs emulates a DEC TU58 tape cartridge drive over a serial
// line, backed either by flat image files or by live host directories
// rendered through the XXDP or RT-11 filesystem codecs.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tu58fs/internal/blockimage"
	"tu58fs/internal/config"
	"tu58fs/internal/console"
	"tu58fs/internal/decfile"
	"tu58fs/internal/drive"
	"tu58fs/internal/hostdir"
	"tu58fs/internal/rt11"
	"tu58fs/internal/serialport"
	"tu58fs/internal/tu58err"
	"tu58fs/internal/tu58proto"
	"tu58fs/internal/version"
	"tu58fs/internal/xxdp"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "FATAL:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags config.Flags
	var showVersion bool

	cmd := &cobra.Command{
		Use:           "tu58fs",
		Short:         "Emulate a DEC TU58 tape drive over a serial line",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println(version.Get().String())
				return nil
			}
			return run(flags)
		},
	}
	config.RegisterFlags(cmd.Flags(), &flags)
	cmd.Flags().BoolVar(&showVersion, "version", false, "print version information and exit")
	return cmd
}

func run(f config.Flags) error {
	cfg, err := config.Validate(f)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stderr
	if cfg.Background {
		out = infoFilter{os.Stderr}
	}
	logger := log.New(out, "", log.LstdFlags)
	logger.Printf("info: tu58fs %s", version.Get().String())

	fsKind := blockimage.FSNone
	switch {
	case f.XXDP:
		fsKind = blockimage.FSXXDP
	case f.RT11:
		fsKind = blockimage.FSRT11
	}

	if cfg.Unpack[0] != "" {
		return runUnpack(cfg.Unpack[0], cfg.Unpack[1], fsKind, logger)
	}
	if cfg.Pack[0] != "" {
		return runPack(cfg.Pack[0], cfg.Pack[1], fsKind, logger)
	}
	if len(cfg.Devices) == 0 {
		logger.Printf("info: no devices configured, nothing to do")
		return nil
	}

	bank := drive.New(logger, cfg.SyncTimeout, cfg.OfflineTimeout)
	for _, spec := range cfg.Devices {
		readonly := spec.Mode == "r"
		allowCreate := spec.Mode == "c"
		if err := bank.OpenUnit(drive.UnitConfig{
			Unit:       spec.Unit,
			Shared:     spec.Shared,
			Readonly:   readonly,
			Path:       spec.Path,
			Device:     spec.Device,
			Filesystem: spec.FS,
			Autosize:   spec.Autosize,
		}, allowCreate || spec.Shared); err != nil {
			return fmt.Errorf("opening device %d: %w", spec.Unit, err)
		}
		logger.Printf("info: unit %d attached to %q", spec.Unit, spec.Path)
	}
	defer bank.CloseAll()

	if err := config.SaveState(cfg.State, cfg.Devices); err != nil {
		logger.Printf("ERROR: %v", err)
	}

	port, err := serialport.Open(serialport.Config{
		Device:   cfg.Port,
		BaudRate: cfg.BaudRate,
		StopBits: cfg.StopBits,
	})
	if err != nil {
		return tu58err.Wrap(tu58err.IOError, err, "opening serial port %q", cfg.Port)
	}
	defer port.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	go bank.Monitor(monitorCtx, 250*time.Millisecond)
	defer stopMonitor()

	sessionOpts := tu58proto.Options{
		NoSync:         cfg.NoSync,
		MRSP:           cfg.MRSP,
		Timing:         cfg.Timing,
		VAX:            cfg.VAX,
		OfflineTimeout: cfg.OfflineTimeout,
	}
	consoleFlags := &console.Flags{SendInit: !cfg.NoSync}
	runSession := func(ctx context.Context, opts tu58proto.Options) {
		session := tu58proto.New(port, bank, opts, logger)
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("ERROR: protocol session ended: %v", err)
		}
	}
	// currentOpts applies the console's send-INIT toggle ('S') to the next
	// session start.
	currentOpts := func() tu58proto.Options {
		opts := sessionOpts
		opts.NoSync = !consoleFlags.SendInit
		return opts
	}

	sessionCtx, cancelSession := context.WithCancel(ctx)
	go runSession(sessionCtx, currentOpts())

	restart := func() {
		cancelSession()
		sessionCtx, cancelSession = context.WithCancel(ctx)
		go runSession(sessionCtx, currentOpts())
	}
	c := console.New(bank, consoleFlags, os.Stderr, restart)
	c.EnterRawMode()
	defer c.Restore()
	c.Run()

	cancelSession()
	return nil
}

// infoFilter drops `info:`-prefixed lines, the --background behavior from
// spec.md §7 ("background suppresses info: only").
type infoFilter struct{ w io.Writer }

func (f infoFilter) Write(p []byte) (int, error) {
	n := len(p)
	// The logger in run stamps every line with log.LstdFlags
	// ("2006/01/02 15:04:05 "), so the prefix is looked for after the stamp.
	const stampLen = len("2006/01/02 15:04:05 ")
	msg := p
	if len(msg) > stampLen && msg[4] == '/' && msg[stampLen-1] == ' ' {
		msg = msg[stampLen:]
	}
	if len(msg) >= 5 && string(msg[:5]) == "info:" {
		return n, nil
	}
	_, err := f.w.Write(p)
	return n, err
}

// runUnpack implements spec.md §8 scenario 5's `--unpack` one-shot
// operation: extract a flat image's filesystem into a host directory.
func runUnpack(imgPath, dirPath string, fsKind blockimage.FSKind, logger *log.Logger) error {
	if fsKind == blockimage.FSNone {
		return tu58err.New(tu58err.ConfigError, "--unpack requires --xxdp or --rt11")
	}

	img, err := blockimage.Open(blockimage.OpenParams{
		Unit:       0,
		Readonly:   true,
		Path:       imgPath,
		Device:     blockimage.DeviceTU58,
		Filesystem: fsKind,
	})
	if err != nil {
		return err
	}
	defer img.Close()

	img.Lock()
	files, err := parseImage(img, fsKind)
	img.Unlock()
	if err != nil {
		return err
	}

	if _, err := hostdir.Prepare(dirPath, true, true); err != nil {
		return err
	}
	if _, err := hostdir.FromPDPFS(dirPath, files); err != nil {
		return err
	}
	logger.Printf("info: unpacked %d files from %q to %q", len(files), imgPath, dirPath)
	return nil
}

// runPack implements spec.md §8 scenario 5's `--pack` one-shot operation:
// build a flat image from a host directory.
func runPack(dirPath, imgPath string, fsKind blockimage.FSKind, logger *log.Logger) error {
	if fsKind == blockimage.FSNone {
		return tu58err.New(tu58err.ConfigError, "--pack requires --xxdp or --rt11")
	}

	files, _, err := hostdir.ToPDPFS(dirPath)
	if err != nil {
		return err
	}

	img, err := blockimage.Open(blockimage.OpenParams{
		Unit:        0,
		AllowCreate: true,
		Path:        imgPath,
		Device:      blockimage.DeviceTU58,
		Filesystem:  fsKind,
	})
	if err != nil {
		return err
	}

	img.Lock()
	err = renderImage(img, fsKind, files)
	img.Unlock()
	if err != nil {
		img.Close()
		return err
	}

	img.Lock()
	err = img.Save()
	img.Unlock()
	if err != nil {
		img.Close()
		return err
	}
	if err := img.Close(); err != nil {
		return err
	}
	logger.Printf("info: packed %d files from %q into %q", len(files), dirPath, imgPath)
	return nil
}

func parseImage(img *blockimage.Image, fsKind blockimage.FSKind) ([]*decfile.File, error) {
	switch fsKind {
	case blockimage.FSXXDP:
		fs := xxdp.New(img)
		if err := fs.Parse(); err != nil {
			return nil, err
		}
		return fs.Files, nil
	case blockimage.FSRT11:
		fs := rt11.New(img)
		if err := fs.Parse(); err != nil {
			return nil, err
		}
		return fs.Files, nil
	default:
		return nil, tu58err.New(tu58err.FilesystemRequired, "no filesystem selected")
	}
}

func renderImage(img *blockimage.Image, fsKind blockimage.FSKind, files []*decfile.File) error {
	switch fsKind {
	case blockimage.FSXXDP:
		return xxdp.New(img).Render(files)
	case blockimage.FSRT11:
		return rt11.New(img).Render(files)
	default:
		return tu58err.New(tu58err.FilesystemRequired, "no filesystem selected")
	}
}
