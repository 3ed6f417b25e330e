package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/SyedAnasAlam/IceBoard-Programmer/internal/flash"
	"github.com/SyedAnasAlam/IceBoard-Programmer/internal/flasher"
	"github.com/SyedAnasAlam/IceBoard-Programmer/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag       string
	baudFlag       int
	verifyFlag     bool
	eraseFirstFlag bool
	attemptsFlag   int
	pageSizeFlag   int
	sectorSizeFlag int
	readChunkFlag  int
	lengthFlag     int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "iceboard-programmer",
		Short: "Program bitstream images into the IceBoard SPI flash",
		Long: `IceBoard Programmer loads a raw image into the serial NOR flash on the
IceBoard over its FT4222 USB-to-SPI bridge.

Every sector is verified after programming and reprogrammed on corruption,
and a full read-back audit runs once the upload completes.`,
	}

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <image.bin>",
		Short: "Program an image into the flash",
		Long: `Program a raw image into the flash sector by sector.

Each sector is read back and compared after programming; a mismatching
sector is erased and reprogrammed up to the attempt budget. After the
upload a second full read-back verifies the whole image.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	flashCmd.Flags().BoolVar(&verifyFlag, "verify", true, "Run the full read-back audit after programming")
	flashCmd.Flags().BoolVar(&eraseFirstFlag, "erase", false, "Erase the whole chip before programming")
	flashCmd.Flags().IntVar(&attemptsFlag, "attempts", flasher.MaxSectorProgramAttempts, "Per-sector program attempts before giving up")

	// Read command
	readCmd := &cobra.Command{
		Use:   "read <output.bin>",
		Short: "Read the flash contents to a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRead,
	}
	readCmd.Flags().IntVarP(&lengthFlag, "length", "n", 0, "Number of bytes to read (required)")
	readCmd.MarkFlagRequired("length")

	// Erase command
	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase the entire flash",
		RunE:  runErase,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("iceboard-programmer %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	for _, cmd := range []*cobra.Command{flashCmd, readCmd, eraseCmd} {
		cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial SPI bridge port (FT4222 over USB if not specified)")
		cmd.Flags().IntVarP(&baudFlag, "baud", "b", 115200, "Serial bridge baud rate")
		cmd.Flags().IntVar(&pageSizeFlag, "page-size", flash.DefaultGeometry.PageSize, "Flash page size in bytes")
		cmd.Flags().IntVar(&sectorSizeFlag, "sector-size", flash.DefaultGeometry.SectorSize, "Flash sector size in bytes")
		cmd.Flags().IntVar(&readChunkFlag, "read-chunk", flash.DefaultGeometry.MaxReadChunk, "Largest single read transaction in bytes")
	}

	rootCmd.AddCommand(flashCmd, readCmd, eraseCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openFlasher() (*flasher.Flasher, transport.Transport, error) {
	var (
		tr  transport.Transport
		err error
	)
	if portFlag != "" {
		fmt.Printf("Bridge: %s @ %d baud\n", portFlag, baudFlag)
		tr, err = transport.OpenBridge(portFlag, baudFlag)
	} else {
		fmt.Println("Opening FT4222 bridge...")
		tr, err = transport.OpenFT4222()
	}
	if err != nil {
		return nil, nil, describe(err)
	}

	geo := flash.Geometry{
		PageSize:     pageSizeFlag,
		SectorSize:   sectorSizeFlag,
		MaxReadChunk: readChunkFlag,
	}
	dev, err := flash.NewDevice(tr, geo)
	if err != nil {
		tr.Close()
		return nil, nil, err
	}

	f := flasher.New(dev)
	f.SetMaxAttempts(attemptsFlag)
	return f, tr, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image file: %w", err)
	}
	fmt.Printf("Image: %s (%d bytes)\n", imagePath, len(image))

	f, tr, err := openFlasher()
	if err != nil {
		return err
	}
	defer tr.Close()

	if eraseFirstFlag {
		fmt.Println("Erasing chip...")
		if err := f.EraseChip(); err != nil {
			return describe(err)
		}
	}

	sectorCount := f.Geometry().SectorCount(len(image))

	bar := progressbar.NewOptions(sectorCount,
		progressbar.OptionSetDescription("Programming"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	f.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	fmt.Printf("Programming %d sector(s)...\n", sectorCount)
	if err := f.Upload(image); err != nil {
		return describe(err)
	}
	bar.Finish()

	if verifyFlag {
		fmt.Println("Validating...")
		f.SetProgressCallback(nil)
		if err := f.Validate(image); err != nil {
			return describe(err)
		}
	}

	fmt.Println("Done!")
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	outputPath := args[0]

	f, tr, err := openFlasher()
	if err != nil {
		return err
	}
	defer tr.Close()

	fmt.Printf("Reading %d bytes...\n", lengthFlag)
	data, err := f.ReadImage(lengthFlag)
	if err != nil {
		return describe(err)
	}

	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", outputPath, len(data))
	return nil
}

func runErase(cmd *cobra.Command, args []string) error {
	f, tr, err := openFlasher()
	if err != nil {
		return err
	}
	defer tr.Close()

	fmt.Println("Erasing chip...")
	if err := f.EraseChip(); err != nil {
		return describe(err)
	}
	fmt.Println("Done!")
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}

// describe prefixes an error with its kind so the user can tell a bad
// hardware link apart from a bad flash cell.
func describe(err error) error {
	var corrupt *flasher.CorruptedUploadError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &corrupt):
		return fmt.Errorf("flash data corrupted: %w", err)
	case errors.Is(err, transport.ErrDeviceNotFound):
		return fmt.Errorf("device not found: %w", err)
	case errors.Is(err, transport.ErrShortTransfer):
		return fmt.Errorf("hardware link fault: %w", err)
	case errors.Is(err, flash.ErrTimeout):
		return fmt.Errorf("flash not responding: %w", err)
	default:
		return err
	}
}
