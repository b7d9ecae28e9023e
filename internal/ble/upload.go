package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

// UploadAudio streams payload into the ringtone slot tagged sig. Choosing
// the slot is up to the caller; the device keeps two and plays from the
// one written last, so uploads should alternate (see ringtone.NextSlot).
//
// The device must accept the init command within AudioInitTimeout or the
// upload is aborted. Each 512-byte block is then written as four packets,
// and the block ACK is awaited after the fourth. A missing or negative
// block ACK is logged and the upload continues; only a disconnect or
// cancellation stops it. progress, if non-nil, is called after every block
// with the fraction of payload bytes sent and reaches 1.0 on success.
func (s *Session) UploadAudio(ctx context.Context, payload []byte, sig protocol.SlotSignature, progress func(float64)) error {
	initFrame, err := protocol.EncodeAudioInit(len(payload), sig)
	if err != nil {
		return err
	}
	blocks := protocol.SplitAudio(payload)

	return s.authedExchange(ctx, func(ctx context.Context) error {
		start := time.Now()
		slog.Info("[UPLOAD] starting", "bytes", len(payload), "blocks", len(blocks), "slot", sig)

		if _, err := s.request(ctx, RoleDataWrite, initFrame, protocol.CmdAudioInit, s.opts.AudioInitTimeout); err != nil {
			return fmt.Errorf("ble: upload init: %w", err)
		}

		for _, blk := range blocks {
			if err := s.sendAudioBlock(ctx, blk); err != nil {
				return fmt.Errorf("ble: upload block %d/%d: %w", blk.Index+1, len(blocks), err)
			}
			if progress != nil {
				progress(float64(blk.End) / float64(len(payload)))
			}
		}

		slog.Info("[UPLOAD] done", "bytes", len(payload), "elapsed", time.Since(start).Round(time.Millisecond))
		return nil
	})
}

// sendAudioBlock writes the packets of blk and waits for the block ACK.
func (s *Session) sendAudioBlock(ctx context.Context, blk protocol.AudioBlock) error {
	last := len(blk.Packets) - 1
	for i, pkt := range blk.Packets[:last] {
		if err := s.writeFrame(ctx, RoleDataWrite, pkt); err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
	}

	p, err := s.requests.register(ackKey(protocol.CmdAudioBlock), false)
	if err != nil {
		return err
	}
	if err := s.writeFrame(ctx, RoleDataWrite, blk.Packets[last]); err != nil {
		s.requests.remove(p)
		return fmt.Errorf("packet %d: %w", last, err)
	}

	res, err := s.await(ctx, p, s.opts.BlockAckTimeout, "block ack")
	var terr *TimeoutError
	switch {
	case errors.As(err, &terr):
		slog.Warn("[UPLOAD] no ack for block, continuing", "block", blk.Index, "after", terr.After)
		return nil
	case err != nil:
		return err
	case !res.ack.Success():
		slog.Warn("[UPLOAD] block rejected, continuing", "block", blk.Index, "status", fmt.Sprintf("0x%02x", res.ack.Status))
	}
	return nil
}
