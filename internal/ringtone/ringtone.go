// Package ringtone prepares custom ringtone uploads: it turns a file into
// the byte payload the clock stores and picks the slot to write.
package ringtone

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

// ErrEmpty is returned for a file that yields no audio bytes.
var ErrEmpty = errors.New("ringtone: empty payload")

// LoadPayload reads path and returns the bytes to upload. WAV files are
// unpacked to their raw PCM samples, little-endian at the source bit depth;
// any other file is sent as is.
func LoadPayload(path string) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		payload, err = loadWAV(path)
	} else {
		payload, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, ErrEmpty
	}
	if len(payload) > protocol.MaxAudioSize {
		return nil, fmt.Errorf("ringtone: %d bytes exceeds the %d byte limit", len(payload), protocol.MaxAudioSize)
	}
	return payload, nil
}

func loadWAV(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ringtone: open: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("ringtone: %s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("ringtone: decode WAV: %w", err)
	}

	switch buf.SourceBitDepth {
	case 8:
		out := make([]byte, len(buf.Data))
		for i, s := range buf.Data {
			out[i] = byte(s)
		}
		return out, nil
	case 16:
		out := make([]byte, 2*len(buf.Data))
		for i, s := range buf.Data {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
		}
		return out, nil
	}
	return nil, fmt.Errorf("ringtone: unsupported WAV bit depth %d", buf.SourceBitDepth)
}

// NextSlot returns the slot of pair that is not current, so an upload never
// overwrites the ringtone the clock is playing. When current matches
// neither slot the first one is used.
func NextSlot(current protocol.SlotSignature, pair []protocol.SlotSignature) (protocol.SlotSignature, error) {
	if len(pair) != 2 {
		return protocol.SlotSignature{}, fmt.Errorf("ringtone: need exactly 2 slots, got %d", len(pair))
	}
	if pair[0] == pair[1] {
		return protocol.SlotSignature{}, fmt.Errorf("ringtone: both slots are %s", pair[0])
	}
	if current == pair[0] {
		return pair[1], nil
	}
	return pair[0], nil
}
