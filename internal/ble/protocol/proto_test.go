package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeStart(t *testing.T) {
	got := EncodeStart(500000) // 0x0007A120
	want := []byte{0x01, 0x20, 0xA1, 0x07, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeStart(500000) = % x, want % x", got, want)
	}

	size, err := DecodeStart(got)
	if err != nil {
		t.Fatalf("DecodeStart() error = %v", err)
	}
	if size != 500000 {
		t.Errorf("DecodeStart() = %d, want 500000", size)
	}
}

func TestDecodeStartMalformed(t *testing.T) {
	for _, data := range [][]byte{nil, {0x01}, {0x02, 0, 0, 0, 0}, {0x01, 0, 0, 0, 0, 0}} {
		if _, err := DecodeStart(data); err == nil {
			t.Errorf("DecodeStart(% x) should fail", data)
		}
	}
}

func TestEncodeCommand(t *testing.T) {
	for _, cmd := range []Command{CmdAbort, CmdVerify, CmdReboot} {
		got := EncodeCommand(cmd, nil)
		if len(got) != 1 || got[0] != byte(cmd) {
			t.Errorf("EncodeCommand(%s) = % x", cmd, got)
		}
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in         string
		wantPhase  Phase
		wantDetail string
	}{
		{"0:", PhaseIdle, ""},
		{"1", PhaseWaiting, ""},
		{"2:", PhaseReceiving, ""},
		{"4:", PhaseReady, ""},
		{"5:CRC mismatch", PhaseError, "CRC mismatch"},
		{"5:OTA verification failed: ESP_ERR_OTA_VALIDATE_FAILED", PhaseError, "OTA verification failed: ESP_ERR_OTA_VALIDATE_FAILED"},
		{"6:rollback\x00\x00", PhaseRecovery, "rollback"},
		{" 3:\n", PhaseVerifying, ""},
	}
	for _, tt := range tests {
		st, err := ParseStatus([]byte(tt.in))
		if err != nil {
			t.Errorf("ParseStatus(%q) error = %v", tt.in, err)
			continue
		}
		if st.Phase != tt.wantPhase || st.Detail != tt.wantDetail {
			t.Errorf("ParseStatus(%q) = {%s %q}, want {%s %q}", tt.in, st.Phase, st.Detail, tt.wantPhase, tt.wantDetail)
		}
	}
}

func TestParseStatusInvalid(t *testing.T) {
	for _, in := range []string{"", "x:oops", "7:", "-1:", ":detail"} {
		if _, err := ParseStatus([]byte(in)); err == nil {
			t.Errorf("ParseStatus(%q) should fail", in)
		}
	}
}

func TestStatusEncodeParses(t *testing.T) {
	st := Status{Phase: PhaseError, Detail: "Data overflow"}
	got, err := ParseStatus(st.Encode())
	if err != nil {
		t.Fatalf("ParseStatus() error = %v", err)
	}
	if got != st {
		t.Errorf("got %+v, want %+v", got, st)
	}
}

func TestStatusEncodeOmitsEmptyDetail(t *testing.T) {
	if got := string(Status{Phase: PhaseReady}.Encode()); got != "4" {
		t.Errorf("Encode() = %q, want %q", got, "4")
	}
}

func TestParseProgress(t *testing.T) {
	p, err := ParseProgress([]byte("42:210000:500000"))
	if err != nil {
		t.Fatalf("ParseProgress() error = %v", err)
	}
	if p.Percent != 42 || p.Received != 210000 || p.Total != 500000 {
		t.Errorf("ParseProgress() = %+v", p)
	}
}

func TestParseProgressInvalid(t *testing.T) {
	for _, in := range []string{"", "42", "42:100", "a:1:2", "1:-5:2", "1:2:x", "-3:1:2"} {
		if _, err := ParseProgress([]byte(in)); err == nil {
			t.Errorf("ParseProgress(%q) should fail", in)
		}
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseRecovery.String() != "RECOVERY" {
		t.Errorf("PhaseRecovery.String() = %q", PhaseRecovery.String())
	}
	if Phase(9).String() != "UNKNOWN(9)" {
		t.Errorf("Phase(9).String() = %q", Phase(9).String())
	}
	if !PhaseError.Terminal() || PhaseWaiting.Terminal() {
		t.Error("Terminal() misclassifies phases")
	}
}
