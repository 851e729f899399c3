// Package protocol implements the wire encoding of the LedSaber GATT OTA service.
//
// Control writes carry one command byte plus an optional payload. The device
// reports its state on two UTF-8 characteristics:
//
//	status:   "<phase>:<error text>"
//	progress: "<percent>:<bytes received>:<bytes total>"
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command is a single-byte OTA control opcode.
type Command byte

const (
	CmdStart  Command = 0x01
	CmdAbort  Command = 0x02
	CmdVerify Command = 0x03
	CmdReboot Command = 0x04
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "START"
	case CmdAbort:
		return "ABORT"
	case CmdVerify:
		return "VERIFY"
	case CmdReboot:
		return "REBOOT"
	default:
		return fmt.Sprintf("Command(0x%02x)", byte(c))
	}
}

// Phase mirrors the device-side OTA state enum.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaiting
	PhaseReceiving
	PhaseVerifying
	PhaseReady
	PhaseError
	PhaseRecovery
)

var phaseNames = [...]string{"IDLE", "WAITING", "RECEIVING", "VERIFYING", "READY", "ERROR", "RECOVERY"}

func (p Phase) String() string {
	if p.Valid() {
		return phaseNames[p]
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(p))
}

// Valid reports whether p is one of the phases the device can report.
func (p Phase) Valid() bool {
	return p >= PhaseIdle && p <= PhaseRecovery
}

// Terminal reports whether no further device-driven transition is expected
// without a new host command.
func (p Phase) Terminal() bool {
	return p == PhaseReady || p == PhaseError || p == PhaseRecovery
}

// Status is a decoded status characteristic value.
type Status struct {
	Phase  Phase
	Detail string
}

// Progress is a decoded progress characteristic value.
type Progress struct {
	Percent  int
	Received uint32
	Total    uint32
}

// EncodeCommand builds a control characteristic write.
func EncodeCommand(cmd Command, payload []byte) []byte {
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, byte(cmd))
	return append(buf, payload...)
}

// EncodeStart builds the START command carrying the image length as a
// little-endian uint32.
func EncodeStart(size uint32) []byte {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], size)
	return EncodeCommand(CmdStart, payload[:])
}

// DecodeStart extracts the image length from a START write.
func DecodeStart(data []byte) (uint32, error) {
	if len(data) != 5 || Command(data[0]) != CmdStart {
		return 0, fmt.Errorf("protocol: malformed START command (%d bytes)", len(data))
	}
	return binary.LittleEndian.Uint32(data[1:]), nil
}

// ParseStatus decodes "<phase>:<detail>". The detail is optional and may
// itself contain colons.
func ParseStatus(data []byte) (Status, error) {
	s := clean(data)
	if s == "" {
		return Status{}, errors.New("protocol: empty status")
	}
	head, detail, _ := strings.Cut(s, ":")
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return Status{}, fmt.Errorf("protocol: status phase %q: %w", head, err)
	}
	phase := Phase(n)
	if !phase.Valid() {
		return Status{}, fmt.Errorf("protocol: unknown status phase %d", n)
	}
	return Status{Phase: phase, Detail: detail}, nil
}

// Encode returns the wire form of s. The colon is omitted without a detail,
// as the firmware does.
func (s Status) Encode() []byte {
	out := strconv.Itoa(int(s.Phase))
	if s.Detail != "" {
		out += ":" + s.Detail
	}
	return []byte(out)
}

// ParseProgress decodes "<percent>:<received>:<total>".
func ParseProgress(data []byte) (Progress, error) {
	parts := strings.Split(clean(data), ":")
	if len(parts) < 3 {
		return Progress{}, fmt.Errorf("protocol: progress needs 3 fields, got %d", len(parts))
	}
	percent, err := strconv.Atoi(parts[0])
	if err != nil || percent < 0 {
		return Progress{}, fmt.Errorf("protocol: progress percent %q invalid", parts[0])
	}
	received, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Progress{}, fmt.Errorf("protocol: progress received %q: %w", parts[1], err)
	}
	total, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Progress{}, fmt.Errorf("protocol: progress total %q: %w", parts[2], err)
	}
	return Progress{Percent: percent, Received: uint32(received), Total: uint32(total)}, nil
}

// Encode returns the wire form of p.
func (p Progress) Encode() []byte {
	return []byte(fmt.Sprintf("%d:%d:%d", p.Percent, p.Received, p.Total))
}

// clean strips the NUL padding some GATT stacks append to string values.
func clean(data []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
}
