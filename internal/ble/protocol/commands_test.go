package protocol

import (
	"bytes"
	"testing"
	"time"
)

func testToken() []byte {
	token := make([]byte, TokenSize)
	for i := range token {
		token[i] = byte(i + 1)
	}
	return token
}

func TestEncodeAuthFrames(t *testing.T) {
	token := testToken()

	initFrame, err := EncodeAuthInit(token)
	if err != nil {
		t.Fatalf("EncodeAuthInit() error = %v", err)
	}
	want := append([]byte{0x11, 0x01}, token...)
	if !bytes.Equal(initFrame, want) {
		t.Errorf("EncodeAuthInit() = %x, want %x", initFrame, want)
	}

	confirm, err := EncodeAuthConfirm(token)
	if err != nil {
		t.Fatalf("EncodeAuthConfirm() error = %v", err)
	}
	want = append([]byte{0x11, 0x02}, token...)
	if !bytes.Equal(confirm, want) {
		t.Errorf("EncodeAuthConfirm() = %x, want %x", confirm, want)
	}

	if _, err := EncodeAuthInit(token[:8]); err == nil {
		t.Error("EncodeAuthInit() should reject an 8-byte token")
	}
}

func TestEncodeTimeSync(t *testing.T) {
	ts := time.Unix(0x65A1B2C3, 0)
	got := EncodeTimeSync(ts)
	want := []byte{0x05, 0x09, 0xC3, 0xB2, 0xA1, 0x65}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeTimeSync() = %x, want %x", got, want)
	}
}

func TestEncodeRequests(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"settings read", EncodeSettingsRead(), []byte{0x01, 0x02}},
		{"alarm list", EncodeAlarmListRead(), []byte{0x01, 0x06}},
		{"firmware", EncodeFirmwareRead(), []byte{0x01, 0x0D}},
		{"ringtone preview", EncodeRingtonePreview(), []byte{0x01, 0x04}},
		{"brightness 55%", EncodeBrightnessPreview(55), []byte{0x02, 0x03, 0x05}},
		{"brightness clamps high", EncodeBrightnessPreview(250), []byte{0x02, 0x03, 0x0A}},
		{"brightness clamps low", EncodeBrightnessPreview(-20), []byte{0x02, 0x03, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("got %x, want %x", tt.got, tt.want)
			}
		})
	}
}

func TestEncodeRingtonePreviewVolume(t *testing.T) {
	got, err := EncodeRingtonePreviewVolume(3)
	if err != nil {
		t.Fatalf("EncodeRingtonePreviewVolume(3) error = %v", err)
	}
	if want := []byte{0x02, 0x04, 0x03}; !bytes.Equal(got, want) {
		t.Errorf("EncodeRingtonePreviewVolume(3) = %x, want %x", got, want)
	}
	for _, v := range []int{0, 6} {
		if _, err := EncodeRingtonePreviewVolume(v); err == nil {
			t.Errorf("EncodeRingtonePreviewVolume(%d) should fail", v)
		}
	}
}

func TestDecodeFirmware(t *testing.T) {
	got, err := DecodeFirmware([]byte{0x0B, 0x05, 'V', '1', '.', '0', '7', 0x00})
	if err != nil {
		t.Fatalf("DecodeFirmware() error = %v", err)
	}
	if got != "V1.07" {
		t.Errorf("DecodeFirmware() = %q, want %q", got, "V1.07")
	}

	if _, err := DecodeFirmware([]byte{0x0B, 0x09, 'V'}); err == nil {
		t.Error("DecodeFirmware() should fail when len exceeds the frame")
	}
	if _, err := DecodeFirmware([]byte{0x0B, 0x02, 0xC3, 0x28}); err == nil {
		t.Error("DecodeFirmware() should reject invalid UTF-8")
	}
}

func TestDecodeSensor(t *testing.T) {
	got, err := DecodeSensor([]byte{0x00, 0x2E, 0x09, 0x6C, 0x11})
	if err != nil {
		t.Fatalf("DecodeSensor() error = %v", err)
	}
	// 0x092E = 2350, 0x116C = 4460
	if got.TemperatureC != 23.5 || got.HumidityRH != 44.6 {
		t.Errorf("DecodeSensor() = %+v, want {23.5 44.6}", got)
	}
	if _, err := DecodeSensor([]byte{0x00, 0x01}); err == nil {
		t.Error("DecodeSensor() should fail on a short frame")
	}
	if _, err := DecodeSensor([]byte{0x01, 0, 0, 0, 0}); err == nil {
		t.Error("DecodeSensor() should fail on a wrong header")
	}
}
