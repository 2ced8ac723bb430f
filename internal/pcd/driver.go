// Package pcd drives the UART-attached NFC front-end: anticollision,
// tag lifetime, and ISO 7816 APDU transceive. It implements
// ntag424.Card so the protocol layer never needs to know the reader is
// attached over a serial link rather than PC/SC.
package pcd

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/barnettlynn/mauthterm/internal/mcore"
)

// ErrorKind classifies a PCD-level failure per the contract's taxonomy.
type ErrorKind string

const (
	ErrTransport    ErrorKind = "transport"
	ErrTimeout      ErrorKind = "timeout"
	ErrNack         ErrorKind = "nack"
	ErrProtocol     ErrorKind = "protocol"
	ErrInvalidState ErrorKind = "invalid_state"
)

// Error is the PCD driver's error type.
type Error struct {
	Op    string
	Kind  ErrorKind
	Inner error
}

func (e *Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("pcd: %s: %s: %v", e.Op, e.Kind, e.Inner)
	}
	return fmt.Sprintf("pcd: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Inner }

// SelectedTag carries the anticollision identity of the currently
// selected target. UID here is the anticollision UID, which is NOT
// trusted as the tag's real identity once random UID is enabled —
// ntag424.GetCardUID is the authoritative source post-auth.
type SelectedTag struct {
	ATQA [2]byte
	SAK  byte
	UID  []byte
}

const (
	frameSTX       = 0x02
	frameETX       = 0x03
	opWaitForTag   = 0x10
	opCheckPresent = 0x11
	opRelease      = 0x12
	opTransceive   = 0x13
	opReset        = 0x14

	readerPollInterval    = 50 * time.Millisecond
	transportResetBackoff = 200 * time.Millisecond
	maxResetAttempts      = 3
	consecutiveFailLimit  = 2
)

// Driver owns the serial port and the currently selected target. All
// public methods are safe to call from a single owning goroutine (the
// NFC worker); Driver does not itself serialize concurrent callers, the
// same way the PC/SC connection wrapper it replaces assumed a
// single-threaded caller.
type Driver struct {
	mu             sync.Mutex
	port           serial.Port
	portName       string
	mode           *serial.Mode
	logger         *slog.Logger
	selected       *SelectedTag
	consecFailures int
}

// Open establishes the serial connection to the PCD.
func Open(portName string, baud int) (*Driver, error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, &Error{Op: "open", Kind: ErrTransport, Inner: err}
	}
	_ = port.SetReadTimeout(500 * time.Millisecond)
	return &Driver{
		port:     port,
		portName: portName,
		mode:     mode,
		logger:   slog.Default().With("component", "pcd"),
	}, nil
}

// Close releases the serial port.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

// WaitForNewTag blocks, polling the reader, until a new ISO 14443-A tag
// enters the field or ctx is cancelled.
func (d *Driver) WaitForNewTag(ctx context.Context) (*SelectedTag, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, &Error{Op: "wait_for_new_tag", Kind: ErrInvalidState, Inner: ctx.Err()}
		default:
		}

		resp, err := d.command(opWaitForTag, nil)
		if err != nil {
			if perr, ok := err.(*Error); ok && perr.Kind == ErrTimeout {
				time.Sleep(readerPollInterval)
				continue
			}
			return nil, err
		}
		if len(resp) == 0 {
			time.Sleep(readerPollInterval)
			continue
		}
		tag, err := parseSelectedTag(resp)
		if err != nil {
			return nil, &Error{Op: "wait_for_new_tag", Kind: ErrProtocol, Inner: err}
		}
		d.mu.Lock()
		d.selected = tag
		d.consecFailures = 0
		d.mu.Unlock()
		return tag, nil
	}
}

// CheckTagStillAvailable probes for a REQA/WUPA response from the
// currently selected target. false means the tag has departed.
func (d *Driver) CheckTagStillAvailable(tag *SelectedTag) (bool, error) {
	if tag == nil {
		return false, &Error{Op: "check_tag_still_available", Kind: ErrInvalidState}
	}
	resp, err := d.command(opCheckPresent, tag.UID)
	if err != nil {
		d.noteFailure()
		return false, err
	}
	d.noteSuccess()
	return len(resp) > 0 && resp[0] == 0x01, nil
}

// ReleaseTag deselects and ends the active target.
func (d *Driver) ReleaseTag(tag *SelectedTag) error {
	if tag == nil {
		return nil
	}
	_, err := d.command(opRelease, tag.UID)
	d.mu.Lock()
	d.selected = nil
	d.mu.Unlock()
	return err
}

// Transmit satisfies ntag424.Card by delegating to Transceive, so
// *Driver can be passed directly to every function in pkg/ntag424.
func (d *Driver) Transmit(apdu []byte) ([]byte, error) {
	return d.Transceive(apdu)
}

// Transceive sends one ISO 7816 C-APDU and returns the R-APDU.
func (d *Driver) Transceive(apdu []byte) ([]byte, error) {
	resp, err := d.command(opTransceive, apdu)
	if err != nil {
		d.noteFailure()
		if d.shouldEscalate() {
			d.logger.Warn("escalating to controller reset", "consecutive_failures", d.consecFailures)
			if rerr := d.ResetControllerWithRetries(context.Background()); rerr != nil {
				return nil, rerr
			}
		}
		return nil, err
	}
	d.noteSuccess()
	return resp, nil
}

// ResetControllerWithRetries performs a hardware reset with bounded
// retry for serial-bus hangs. A successful reset invalidates any
// selected target; the caller must re-enter WaitForTag.
func (d *Driver) ResetControllerWithRetries(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < maxResetAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &Error{Op: "reset_controller", Kind: ErrInvalidState, Inner: ctx.Err()}
			case <-time.After(transportResetBackoff):
			}
		}
		_, err := d.command(opReset, nil)
		if err == nil {
			d.mu.Lock()
			d.selected = nil
			d.consecFailures = 0
			d.mu.Unlock()
			return nil
		}
		lastErr = err
		d.logger.Warn("controller reset attempt failed", "attempt", attempt+1, "error", err)
	}
	return &Error{Op: "reset_controller", Kind: ErrTransport, Inner: lastErr}
}

func (d *Driver) noteFailure() {
	d.mu.Lock()
	d.consecFailures++
	d.mu.Unlock()
}

func (d *Driver) noteSuccess() {
	d.mu.Lock()
	d.consecFailures = 0
	d.mu.Unlock()
}

func (d *Driver) shouldEscalate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consecFailures >= consecutiveFailLimit
}

// command performs one framed request/response exchange over the
// serial link: STX, 1-byte opcode, 2-byte big-endian payload length,
// payload, 1-byte XOR checksum over opcode+length+payload, ETX.
func (d *Driver) command(op byte, payload []byte) ([]byte, error) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return nil, &Error{Op: "command", Kind: ErrInvalidState, Inner: fmt.Errorf("port not open")}
	}

	frame := encodeFrame(op, payload)
	if _, err := port.Write(frame); err != nil {
		return nil, &Error{Op: "command", Kind: ErrTransport, Inner: err}
	}

	resp, err := readFrame(port)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func encodeFrame(op byte, payload []byte) []byte {
	buf := make([]byte, 0, 6+len(payload))
	buf = append(buf, frameSTX, op)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(payload)))
	buf = append(buf, lenBuf...)
	buf = append(buf, payload...)
	cksum := op ^ lenBuf[0] ^ lenBuf[1]
	for _, b := range payload {
		cksum ^= b
	}
	buf = append(buf, cksum, frameETX)
	return buf
}

func readFrame(port serial.Port) ([]byte, error) {
	header := make([]byte, 4)
	n, err := readFull(port, header)
	if err != nil {
		return nil, &Error{Op: "read_frame", Kind: ErrTransport, Inner: err}
	}
	if n == 0 {
		return nil, &Error{Op: "read_frame", Kind: ErrTimeout, Inner: fmt.Errorf("no response")}
	}
	if header[0] != frameSTX {
		return nil, &Error{Op: "read_frame", Kind: ErrProtocol, Inner: fmt.Errorf("bad STX 0x%02X", header[0])}
	}
	status := header[1]
	length := binary.BigEndian.Uint16(header[2:4])

	body := make([]byte, int(length)+2) // payload + checksum + ETX
	if _, err := readFull(port, body); err != nil {
		return nil, &Error{Op: "read_frame", Kind: ErrTransport, Inner: err}
	}
	payload := body[:length]
	checksum := body[length]
	etx := body[length+1]
	if etx != frameETX {
		return nil, &Error{Op: "read_frame", Kind: ErrProtocol, Inner: fmt.Errorf("bad ETX 0x%02X", etx)}
	}
	want := header[1] ^ header[2] ^ header[3]
	for _, b := range payload {
		want ^= b
	}
	if want != checksum {
		return nil, &Error{Op: "read_frame", Kind: ErrProtocol, Inner: fmt.Errorf("checksum mismatch")}
	}
	if status == 0xFF {
		return nil, &Error{Op: "read_frame", Kind: ErrNack, Inner: fmt.Errorf("reader NACK")}
	}
	return payload, nil
}

func readFull(port serial.Port, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := port.Read(buf[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil // read timeout, treated as "no data yet" by caller
		}
		total += n
	}
	return total, nil
}

func parseSelectedTag(resp []byte) (*SelectedTag, error) {
	if len(resp) < 3 {
		return nil, fmt.Errorf("short tag descriptor")
	}
	uidLen := int(resp[2])
	if len(resp) < 3+uidLen {
		return nil, fmt.Errorf("short tag UID")
	}
	tag := &SelectedTag{
		ATQA: [2]byte{resp[0], resp[1]},
		SAK:  resp[2],
		UID:  bytes.Clone(resp[3 : 3+uidLen]),
	}
	return tag, nil
}

// AsCoreError classifies a pcd.Error into the cross-component mcore
// taxonomy for callers outside this package (the NFC worker, the
// coordinator's status snapshot).
func AsCoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	perr, ok := err.(*Error)
	if !ok {
		return mcore.Wrap(op, mcore.CodeNfcTransport, err)
	}
	switch perr.Kind {
	case ErrTimeout:
		return mcore.Wrap(op, mcore.CodeTimeout, err)
	default:
		return mcore.Wrap(op, mcore.CodeNfcTransport, err)
	}
}
