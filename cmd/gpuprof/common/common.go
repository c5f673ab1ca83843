// Package common holds the helpers shared by the gpuprof commands.
package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/remote"
)

const (
	CheckMark   = "\033[32m✔\033[0m"
	WarningSign = "\033[31m✘\033[0m"
)

const (
	OutputFormatTable = "table"
	OutputFormatJSON  = "json"
)

// ParseOutputFormat validates and normalizes output format values.
// Empty values default to table output.
func ParseOutputFormat(raw string) (string, error) {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return OutputFormatTable, nil
	}

	switch normalized {
	case OutputFormatTable, OutputFormatJSON:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid output format %q (supported: %q, %q)", raw, OutputFormatTable, OutputFormatJSON)
	}
}

func WriteJSON(v any) error {
	return WriteJSONToWriter(os.Stdout, v)
}

func WriteJSONToWriter(w io.Writer, v any) error {
	if w == nil {
		return errors.New("writer is nil")
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// SetupLogger points the global logger at the level given by --log-level.
// Client commands log to stderr only.
func SetupLogger(level, file string) error {
	zapLvl, err := log.ParseLogLevel(level)
	if err != nil {
		return err
	}
	log.SetLogger(log.CreateLogger(zapLvl, file))
	return nil
}

// Address fills in the default port when addr carries none, so
// "--publisher 10.0.0.3" reaches the default publisher port.
func Address(addr string, defaultPort int) string {
	if addr == "" {
		return net.JoinHostPort("localhost", strconv.Itoa(defaultPort))
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(defaultPort))
}

// PublisherAddress resolves the --publisher flag.
func PublisherAddress(addr string) string {
	return Address(addr, remote.DefaultPublisherPort)
}

// ControlAddress resolves the --control flag.
func ControlAddress(addr string) string {
	return Address(addr, remote.DefaultControlPort)
}

// FormatValue rounds v to at most digits decimals and prints the
// shortest form of the result.
func FormatValue(v float32, digits int) string {
	scale := math.Pow10(digits)
	r := math.Round(float64(v)*scale) / scale
	return strconv.FormatFloat(r, 'f', -1, 64)
}
