package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

// SyncTime sets the device clock to the session's current time.
func (s *Session) SyncTime(ctx context.Context) error {
	return s.authedExchange(ctx, s.syncTime)
}

func (s *Session) syncTime(ctx context.Context) error {
	now := s.opts.Now()
	if _, err := s.request(ctx, RoleDataWrite, protocol.EncodeTimeSync(now), protocol.CmdTimeSync, s.opts.OperationTimeout); err != nil {
		return fmt.Errorf("ble: time sync: %w", err)
	}
	slog.Debug("[BLE] time synced", "unix", now.Unix())
	return nil
}

// ReadSettings reads and decodes the device settings. The raw frame is
// cached and persisted as the template for the next WriteSettings. The
// firmware version is read separately; failing that is logged, not fatal.
func (s *Session) ReadSettings(ctx context.Context) (protocol.DeviceSettings, error) {
	var settings protocol.DeviceSettings
	err := s.authedExchange(ctx, func(ctx context.Context) error {
		res, err := s.query(ctx, reqSettings, RoleDataWrite, protocol.EncodeSettingsRead(), "read settings")
		if err != nil {
			return fmt.Errorf("ble: read settings: %w", err)
		}
		settings, err = protocol.DecodeSettings(res.settings)
		if err != nil {
			return err
		}
		s.cacheSettingsFrame(res.settings)

		version, err := s.readFirmwareVersion(ctx)
		if err != nil {
			slog.Warn("[BLE] firmware version unavailable", "error", err)
			s.mu.Lock()
			version = s.firmware
			s.mu.Unlock()
		}
		settings.FirmwareVersion = version
		return nil
	})
	return settings, err
}

// WriteSettings encodes settings over the last frame read from the device
// and waits for the ACK. Without a cached frame the reserved bytes are zero.
func (s *Session) WriteSettings(ctx context.Context, settings protocol.DeviceSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.authedExchange(ctx, func(ctx context.Context) error {
		template := s.LastSettingsFrame()
		if template == nil {
			slog.Warn("[BLE] writing settings without a cached frame, reserved bytes will be zeroed")
		}
		data, err := protocol.EncodeSettings(template, settings)
		if err != nil {
			return err
		}
		if _, err := s.request(ctx, RoleDataWrite, data, protocol.CmdSettingsWrite, s.opts.OperationTimeout); err != nil {
			return fmt.Errorf("ble: write settings: %w", err)
		}
		s.cacheSettingsFrame(data)
		return nil
	})
}

func (s *Session) cacheSettingsFrame(frame []byte) {
	frame = cloneBytes(frame)
	s.mu.Lock()
	s.lastSettings = frame
	deviceID := s.deviceID
	s.mu.Unlock()
	if s.store == nil {
		return
	}
	if err := s.store.SaveSettingsFrame(deviceID, frame); err != nil {
		slog.Warn("[BLE] persist settings frame", "device", deviceID, "error", err)
	}
}

// ReadFirmwareVersion returns the firmware version string.
func (s *Session) ReadFirmwareVersion(ctx context.Context) (string, error) {
	var version string
	err := s.authedExchange(ctx, func(ctx context.Context) error {
		var err error
		version, err = s.readFirmwareVersion(ctx)
		return err
	})
	return version, err
}

func (s *Session) readFirmwareVersion(ctx context.Context) (string, error) {
	res, err := s.query(ctx, reqFirmware, RoleAuthWrite, protocol.EncodeFirmwareRead(), "read firmware")
	if err != nil {
		return "", fmt.Errorf("ble: read firmware: %w", err)
	}
	s.mu.Lock()
	s.firmware = res.firmware
	s.mu.Unlock()
	return res.firmware, nil
}

// ReadRSSI returns the signal strength of the current link in dBm.
func (s *Session) ReadRSSI(ctx context.Context) (int, error) {
	var rssi int
	err := s.exchange(ctx, func(ctx context.Context) error {
		res, err := s.gattOp(ctx, requestKey{kind: reqRSSI}, "read rssi", RoleNone, s.transport.ReadRSSI)
		if err != nil {
			return err
		}
		rssi = res.rssi
		return nil
	})
	return rssi, err
}

// PreviewBrightness shows percent, quantized to 10% tiles, without
// persisting it. The command is queued and its outcome is only logged.
func (s *Session) PreviewBrightness(percent int) error {
	data := protocol.EncodeBrightnessPreview(percent)
	return s.enqueueWrite(fmt.Sprintf("brightness %d%%", percent), data)
}

// PreviewRingtone rings the current ringtone at the configured volume.
func (s *Session) PreviewRingtone() error {
	return s.enqueueWrite("ringtone preview", protocol.EncodeRingtonePreview())
}

// PreviewRingtoneVolume rings the current ringtone at volume.
func (s *Session) PreviewRingtoneVolume(volume int) error {
	data, err := protocol.EncodeRingtonePreviewVolume(volume)
	if err != nil {
		return err
	}
	return s.enqueueWrite(fmt.Sprintf("ringtone preview volume %d", volume), data)
}

func (s *Session) enqueueWrite(name string, data []byte) error {
	return s.queue.enqueue(queuedCommand{
		name: name,
		run: func(ctx context.Context) error {
			return s.exchange(ctx, func(ctx context.Context) error {
				return s.writeFrame(ctx, RoleDataWrite, data)
			})
		},
	})
}

// runQueued executes one best-effort command. Commands reaching the head
// of the queue while the session is not authenticated are dropped. A
// disconnect cancels the command in flight.
func (s *Session) runQueued(cmd queuedCommand) {
	if !s.IsAuthenticated() {
		slog.Warn("[QUEUE] dropping command, not authenticated", "command", cmd.name)
		return
	}
	s.mu.Lock()
	connCtx := s.connCtx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(connCtx, s.opts.OperationTimeout)
	defer cancel()
	if err := cmd.run(ctx); err != nil {
		slog.Warn("[QUEUE] command failed", "command", cmd.name, "error", err)
		return
	}
	slog.Debug("[QUEUE] command done", "command", cmd.name)
}

// WaitQueue blocks until every best-effort command enqueued so far has run
// or been dropped, or ctx ends.
func (s *Session) WaitQueue(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !s.queue.idle() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
