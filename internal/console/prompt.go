package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/chaz8081/ledsaber-ota/internal/ble"
)

var (
	// ErrNoDevices is returned by SelectDevice for an empty list.
	ErrNoDevices = errors.New("console: no devices to choose from")
	// ErrCancelled is returned by SelectDevice when the operator answers
	// with an empty line.
	ErrCancelled = errors.New("console: selection cancelled")
)

// Prompter asks the operator questions. With assumeYes every confirmation
// is answered yes and device selection picks the strongest signal.
type Prompter struct {
	in        *bufio.Reader
	out       io.Writer
	assumeYes bool
}

// NewPrompter reads answers from in and writes questions to out.
func NewPrompter(in io.Reader, out io.Writer, assumeYes bool) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out, assumeYes: assumeYes}
}

// Confirm asks a yes/no question. An empty answer or end of input selects
// defaultYes.
func (p *Prompter) Confirm(question string, defaultYes bool) (bool, error) {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	fmt.Fprintf(p.out, "%s %s ", question, styleMuted.Render(hint))
	if p.assumeYes {
		fmt.Fprintln(p.out, "y")
		return true, nil
	}

	answer, err := p.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(p.out)
			return defaultYes, nil
		}
		return false, err
	}
	switch strings.ToLower(answer) {
	case "":
		return defaultYes, nil
	case "y", "yes", "s", "si":
		return true, nil
	default:
		return false, nil
	}
}

// SelectDevice picks one device. A single device is returned directly;
// otherwise the list is shown strongest signal first and the operator
// chooses by number. An empty answer returns ErrCancelled.
func (p *Prompter) SelectDevice(devices []ble.Device) (ble.Device, error) {
	if len(devices) == 0 {
		return ble.Device{}, ErrNoDevices
	}
	sorted := slices.Clone(devices)
	slices.SortStableFunc(sorted, func(a, b ble.Device) int { return b.RSSI - a.RSSI })
	if len(sorted) == 1 || p.assumeYes {
		return sorted[0], nil
	}

	fmt.Fprintln(p.out, styleTitle.Render("Devices found:"))
	for i, d := range sorted {
		fmt.Fprintf(p.out, "  %d) %s %s %s\n", i+1, d.Name, styleMuted.Render(d.MAC), styleMuted.Render(fmt.Sprintf("%d dBm", d.RSSI)))
	}

	for {
		fmt.Fprintf(p.out, "Select device [1-%d, Enter to cancel]: ", len(sorted))
		answer, err := p.readLine()
		if err != nil {
			return ble.Device{}, err
		}
		if answer == "" {
			return ble.Device{}, ErrCancelled
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n >= 1 && n <= len(sorted) {
			return sorted[n-1], nil
		}
		fmt.Fprintln(p.out, styleWarning.Render("invalid choice"))
	}
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
