// Command diag is a read-only bench tool for inspecting a tag over a
// serial-attached PCD: it reports the plain NDEF contents, the file
// settings of the NDEF file, and, if a key is supplied, which of a set
// of candidate slots it authenticates against. It mirrors ro's
// inspection flow over internal/pcd instead of PC/SC.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/barnettlynn/mauthterm/internal/pcd"
	"github.com/barnettlynn/mauthterm/pkg/ntag424"
)

func main() {
	port := flag.String("port", "/dev/ttyUSB0", "serial port the PCD is attached to")
	baud := flag.Int("baud", 115200, "PCD serial baud rate")
	keyFile := flag.String("key-file", "", "optional .hex key to test against candidate slots 0-4")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	driver, err := pcd.Open(*port, *baud)
	if err != nil {
		log.Fatalf("open PCD: %v", err)
	}
	defer driver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tag, err := driver.WaitForNewTag(ctx)
	if err != nil {
		log.Fatalf("wait for tag: %v", err)
	}
	fmt.Printf("UID:  %x\n", tag.UID)
	fmt.Printf("ATQA: %x\n", tag.ATQA)
	fmt.Printf("SAK:  %x\n", tag.SAK)

	if err := ntag424.SelectNDEFApp(driver); err != nil {
		log.Fatalf("select NDEF app: %v", err)
	}

	if fs, err := ntag424.GetFileSettingsPlain(driver, 0x02); err != nil {
		fmt.Printf("file 2 settings: error: %v\n", err)
	} else {
		fmt.Printf("file 2 settings: fileType=%d fileOption=%02x AR1=%02x AR2=%02x size=%d\n",
			fs.FileType, fs.FileOption, fs.AR1, fs.AR2, fs.Size)
	}

	if ndef, err := ntag424.ReadNDEF(driver); err != nil {
		fmt.Printf("NDEF read: error: %v\n", err)
	} else {
		fmt.Printf("NDEF payload (%d bytes): %x\n", len(ndef), ndef)
	}

	if *keyFile == "" {
		return
	}
	key, err := ntag424.LoadKeyHexFile(*keyFile)
	if err != nil {
		log.Fatalf("load key file: %v", err)
	}
	results := ntag424.DiagnoseAuthSlots(driver, key, []byte{0, 1, 2, 3, 4})
	for _, r := range results {
		if r.Success {
			fmt.Printf("slot %d: AUTH OK\n", r.Slot)
		} else {
			fmt.Printf("slot %d: failed at %s (sw=%04x): %v\n", r.Slot, r.Step, r.SW, r.Err)
		}
	}
}
