package device

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the subset of a serial port the link needs. serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// USB vendor ids of the boards shipped in dispensers (Arduino, WCH CH340 clones).
var knownVIDs = map[string]bool{"2341": true, "2A03": true, "1A86": true}

var fallbackPorts = []string{"/dev/ttyACM0", "/dev/ttyUSB0"}

// OpenPort opens name at baud. An empty name triggers autodetection.
func OpenPort(name string, baud int) (Port, string, error) {
	if name == "" {
		detected, err := Autodetect()
		if err != nil {
			return nil, "", err
		}
		name = detected
	}

	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		var perr *serial.PortError
		notFound := errors.Is(err, fs.ErrNotExist) ||
			(errors.As(err, &perr) && (perr.Code() == serial.PortNotFound || perr.Code() == serial.InvalidSerialPort))
		if notFound {
			return nil, name, fmt.Errorf("open %s: %w", name, ErrPortNotFound)
		}
		return nil, name, fmt.Errorf("open %s: %w: %w", name, ErrPortUnavailable, err)
	}
	return p, name, nil
}

// Autodetect picks the first USB port that looks like the controller board, then
// falls back to the conventional device nodes.
func Autodetect() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		log.Warn().Err(err).Msg("serial port enumeration failed")
	}
	for _, p := range ports {
		if looksLikeBoard(p) {
			log.Info().Str("port", p.Name).Str("product", p.Product).Msg("autodetected controller board")
			return p.Name, nil
		}
	}
	for _, cand := range fallbackPorts {
		if _, err := os.Stat(cand); err == nil {
			return cand, nil
		}
	}
	return "", ErrPortNotFound
}

func looksLikeBoard(p *enumerator.PortDetails) bool {
	if !p.IsUSB {
		return false
	}
	if knownVIDs[strings.ToUpper(p.VID)] {
		return true
	}
	product := strings.ToLower(p.Product)
	return strings.Contains(product, "arduino") || strings.Contains(product, "wch") || strings.Contains(product, "usb serial")
}
