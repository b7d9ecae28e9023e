package protocol

import (
	"bytes"
	"fmt"
)

// Audio transfer geometry.
const (
	AudioPacketSize = 128
	PacketsPerBlock = 4
	AudioBlockSize  = AudioPacketSize * PacketsPerBlock
	MaxAudioSize    = 1<<24 - 1
	audioPadByte    = 0xFF
)

// SlotSignature tags one of the ringtone memory slots on the device.
type SlotSignature [4]byte

func (s SlotSignature) String() string { return fmt.Sprintf("%x", s[:]) }

// EncodeAudioInit builds [0x08, 0x10, size:u24, signature*4].
func EncodeAudioInit(size int, sig SlotSignature) ([]byte, error) {
	if size <= 0 || size > MaxAudioSize {
		return nil, fmt.Errorf("protocol: audio size %d out of range [1,%d]", size, MaxAudioSize)
	}
	return frame(CmdAudioInit,
		byte(size), byte(size>>8), byte(size>>16),
		sig[0], sig[1], sig[2], sig[3],
	), nil
}

// EncodeAudioPacket frames one chunk as [0x81, 0x08, 128 bytes], padding a
// short chunk with 0xFF.
func EncodeAudioPacket(chunk []byte) ([]byte, error) {
	if len(chunk) > AudioPacketSize {
		return nil, fmt.Errorf("protocol: audio chunk %d bytes exceeds %d", len(chunk), AudioPacketSize)
	}
	buf := make([]byte, 0, 2+AudioPacketSize)
	buf = append(buf, byte(1+AudioPacketSize), CmdAudioBlock)
	buf = append(buf, chunk...)
	return append(buf, bytes.Repeat([]byte{audioPadByte}, AudioPacketSize-len(chunk))...), nil
}

// AudioBlock is one acknowledged unit of an upload.
type AudioBlock struct {
	Index   int
	Packets [][]byte // framed packets, always PacketsPerBlock of them
	End     int      // payload bytes covered once this block is sent
}

// SplitAudio cuts payload into blocks of four framed 128-byte packets.
// The tail is padded with 0xFF up to a whole block, so a payload of n
// bytes yields ceil(n/512) blocks.
func SplitAudio(payload []byte) []AudioBlock {
	var blocks []AudioBlock
	for off := 0; off < len(payload); off += AudioBlockSize {
		blk := AudioBlock{Index: len(blocks)}
		for p := 0; p < PacketsPerBlock; p++ {
			start := off + p*AudioPacketSize
			end := start + AudioPacketSize
			if start > len(payload) {
				start = len(payload)
			}
			if end > len(payload) {
				end = len(payload)
			}
			pkt, _ := EncodeAudioPacket(payload[start:end])
			blk.Packets = append(blk.Packets, pkt)
		}
		blk.End = min(off+AudioBlockSize, len(payload))
		blocks = append(blocks, blk)
	}
	return blocks
}
