// Command personalize drives the five-slot key provisioning and SDM
// configuration pipeline (internal/personalize) against one tag over a
// serial-attached PCD. It replaces the teacher's PC/SC-based minter and
// reset tools with a single idempotent front end: re-running it against
// a partially provisioned tag finishes the job rather than failing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/barnettlynn/mauthterm/internal/personalize"
	"github.com/barnettlynn/mauthterm/internal/pcd"
	"github.com/barnettlynn/mauthterm/pkg/ntag424"
)

func main() {
	port := flag.String("port", "/dev/ttyUSB0", "serial port the PCD is attached to")
	baud := flag.Int("baud", 115200, "PCD serial baud rate")
	keyDir := flag.String("key-dir", "", "directory containing application.hex, terminal.hex, authorization.hex, sdmmac.hex, reserved.hex (required)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *keyDir == "" {
		log.Fatal("-key-dir is required")
	}

	keys, err := loadKeySet(*keyDir)
	if err != nil {
		log.Fatalf("load keys: %v", err)
	}

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
	fmt.Printf("tag present: UID=%x ATQA=%x SAK=%x\n", tag.UID, tag.ATQA, tag.SAK)

	result, err := personalize.Run(driver, keys, logger)
	if err != nil {
		log.Fatalf("personalize: %v", err)
	}

	fmt.Printf("UID:            %x\n", result.UID)
	fmt.Printf("SDM configured: %v\n", result.SDMConfigured)
	fmt.Printf("random UID on:  %v\n", result.RandomUID)
}

func loadKeySet(dir string) (personalize.KeySet, error) {
	application, err := ntag424.LoadKeyHexFile(dir + "/application.hex")
	if err != nil {
		return personalize.KeySet{}, err
	}
	terminal, err := ntag424.LoadKeyHexFile(dir + "/terminal.hex")
	if err != nil {
		return personalize.KeySet{}, err
	}
	authorization, err := ntag424.LoadKeyHexFile(dir + "/authorization.hex")
	if err != nil {
		return personalize.KeySet{}, err
	}
	sdmmac, err := ntag424.LoadKeyHexFile(dir + "/sdmmac.hex")
	if err != nil {
		return personalize.KeySet{}, err
	}
	reserved, err := ntag424.LoadKeyHexFile(dir + "/reserved.hex")
	if err != nil {
		return personalize.KeySet{}, err
	}

	return personalize.KeySet{
		Application:   application,
		Terminal:      terminal,
		Authorization: authorization,
		SDMMAC:        sdmmac,
		Reserved:      reserved,
	}, nil
}
