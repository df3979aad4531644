package main

import (
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// OpenErrorKind classifies why opening the serial link failed, mirroring
// spec.md §4.2's OpenError variants.
type OpenErrorKind int

const (
	OpenErrNoDevice OpenErrorKind = iota
	OpenErrInvalidInput
	OpenErrIo
	OpenErrUnknown
)

// OpenError wraps a failure to open the serial port with a classified kind,
// grounded on the teacher's client-struct-with-methods idiom in
// prusalink.go, adapted for a local device instead of an HTTP endpoint.
type OpenError struct {
	Kind OpenErrorKind
	Text string
}

func (e *OpenError) Error() string { return e.Text }

// SerialLink is a thin façade over go.bug.st/serial with a short read
// timeout so the reader task's blocking read stays cancellation-responsive.
type SerialLink struct {
	port serial.Port
}

// openSerialLink opens device at baud, 8N1, with SerialReadTimeout applied
// to every read.
func openSerialLink(device string, baud int) (*SerialLink, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	if err := port.SetReadTimeout(SerialReadTimeout); err != nil {
		port.Close()
		return nil, &OpenError{Kind: OpenErrIo, Text: err.Error()}
	}
	return &SerialLink{port: port}, nil
}

func classifyOpenError(err error) *OpenError {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return &OpenError{Kind: OpenErrNoDevice, Text: err.Error()}
		case serial.InvalidSerialPort, serial.InvalidSpeed:
			return &OpenError{Kind: OpenErrInvalidInput, Text: err.Error()}
		case serial.PortBusy, serial.PermissionDenied:
			return &OpenError{Kind: OpenErrIo, Text: err.Error()}
		default:
			return &OpenError{Kind: OpenErrUnknown, Text: err.Error()}
		}
	}
	return &OpenError{Kind: OpenErrUnknown, Text: err.Error()}
}

// Reader returns the port's byte-stream reader. Reads honour the
// configured timeout and return (0, nil) on timeout rather than an error,
// per go.bug.st/serial's convention; callers treat a zero-byte read as
// TimedOut.
func (s *SerialLink) Reader() io.Reader { return s.port }

// Close releases the underlying OS handle.
func (s *SerialLink) Close() error {
	return s.port.Close()
}

// writeLine writes text verbatim; it appends no newline (Bridge.handleSend
// ensures the text already ends with one). Wraps any
// write error as an io error, matching spec.md §4.2's write() -> ()|Io(text).
func (s *SerialLink) writeLine(text string) error {
	if _, err := io.WriteString(s.port, text); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}
