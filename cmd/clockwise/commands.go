package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/chaz8081/clockwise/internal/ble"
	"github.com/chaz8081/clockwise/internal/ble/protocol"
	"github.com/chaz8081/clockwise/internal/config"
	"github.com/chaz8081/clockwise/internal/ringtone"
	"github.com/chaz8081/clockwise/internal/store"
)

var (
	errNoDevice = errors.New("no device address: set device.address in the config or pass --device")
	errNoArg    = errors.New("missing argument, see --help")
)

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Debug("no config file found, using defaults")
	return config.Default(), nil
}

// env is what every device command works with.
type env struct {
	cfg     *config.Config
	store   *store.FileStore
	session *ble.Session
	address string
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func setup(c *cli.Context) (*config.Config, *store.FileStore, string, error) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "can't load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, "", errors.Wrap(err, "invalid config")
	}
	st, err := store.NewFileStore(cfg.StorePath)
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "can't open state store")
	}
	address := c.GlobalString("device")
	if address == "" {
		address = cfg.Device.Address
	}
	return cfg, st, address, nil
}

// withSession connects and authenticates, runs fn and disconnects.
func withSession(c *cli.Context, fn func(ctx context.Context, e *env) error) error {
	cfg, st, address, err := setup(c)
	if err != nil {
		return err
	}
	if address == "" {
		return errNoDevice
	}

	transport := ble.NewTinygoTransport(cfg.CharacteristicUUIDs())
	if err := transport.Enable(); err != nil {
		return errors.Wrap(err, "can't enable Bluetooth")
	}
	session := ble.NewSession(transport, st, cfg.SessionOptions())
	defer session.Close()
	session.OnDisconnect(func(r ble.DisconnectionReason) {
		if r.Kind != ble.ReasonUserRequested {
			fmt.Fprintf(os.Stderr, "link dropped: %s\n", r)
		}
	})

	ctx, cancel := signalContext()
	defer cancel()

	if err := session.ConnectAndAuthenticate(ctx, address); err != nil {
		var ackErr *ble.AckError
		if errors.As(err, &ackErr) && ackErr.PermissionHint() {
			return errors.Wrap(err, "clock refused the token, run 'clockwise forget' and put the clock in pairing mode")
		}
		return errors.Wrapf(err, "can't connect to %s", address)
	}
	return fn(ctx, &env{cfg: cfg, store: st, session: session, address: address})
}

func scan(c *cli.Context) error {
	cfg, _, _, err := setup(c)
	if err != nil {
		return err
	}
	transport := ble.NewTinygoTransport(cfg.CharacteristicUUIDs())
	if err := transport.Enable(); err != nil {
		return errors.Wrap(err, "can't enable Bluetooth")
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelScan := context.WithTimeout(ctx, c.Duration("duration"))
	defer cancelScan()

	fmt.Printf("Scanning for %s...\n", c.Duration("duration"))
	devices, err := transport.Scan(ctx)
	if err != nil {
		return errors.Wrap(err, "scan failed")
	}
	if len(devices) == 0 {
		fmt.Println("No clocks found.")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("  %-20s %-36s %4d dBm\n", d.Name, d.Address, d.RSSI)
	}
	return nil
}

func connect(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, e *env) error {
		settings, err := e.session.ReadSettings(ctx)
		if err != nil {
			return errors.Wrap(err, "can't read settings")
		}
		fmt.Printf("Connected to %s\n", e.address)
		printSettings(settings)
		return nil
	})
}

func alarmsList(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, e *env) error {
		alarms, err := e.session.ReadAlarms(ctx)
		if err != nil {
			return errors.Wrap(err, "can't read alarms")
		}
		if len(alarms) == 0 {
			fmt.Println("No alarms set.")
			return nil
		}
		for _, a := range alarms {
			fmt.Println(formatAlarm(a))
		}
		return nil
	})
}

func alarmsSet(c *cli.Context) error {
	if c.NArg() < 2 {
		return errNoArg
	}
	id, err := strconv.Atoi(c.Args().Get(0))
	if err != nil {
		return errors.Wrapf(err, "invalid alarm id %q", c.Args().Get(0))
	}
	hour, minute, err := parseClock(c.Args().Get(1))
	if err != nil {
		return err
	}
	days, err := parseDays(c.String("days"))
	if err != nil {
		return err
	}
	alarm := protocol.Alarm{
		ID:      id,
		Enabled: !c.Bool("disabled"),
		Hour:    hour,
		Minute:  minute,
		Days:    days,
		Snooze:  c.Bool("snooze"),
	}
	if err := alarm.Validate(); err != nil {
		return err
	}
	return withSession(c, func(ctx context.Context, e *env) error {
		if err := e.session.SetAlarm(ctx, alarm); err != nil {
			return errors.Wrap(err, "can't set alarm")
		}
		fmt.Println(formatAlarm(alarm))
		return nil
	})
}

func alarmsDelete(c *cli.Context) error {
	if c.NArg() < 1 {
		return errNoArg
	}
	id, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return errors.Wrapf(err, "invalid alarm id %q", c.Args().First())
	}
	return withSession(c, func(ctx context.Context, e *env) error {
		if err := e.session.DeleteAlarm(ctx, id); err != nil {
			return errors.Wrap(err, "can't delete alarm")
		}
		fmt.Printf("Alarm %d deleted\n", id)
		return nil
	})
}

func settingsGet(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, e *env) error {
		settings, err := e.session.ReadSettings(ctx)
		if err != nil {
			return errors.Wrap(err, "can't read settings")
		}
		printSettings(settings)
		return nil
	})
}

func settingsSet(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, e *env) error {
		settings, err := e.session.ReadSettings(ctx)
		if err != nil {
			return errors.Wrap(err, "can't read settings")
		}
		if err := applySettingsFlags(c, &settings); err != nil {
			return err
		}
		if err := e.session.WriteSettings(ctx, settings); err != nil {
			return errors.Wrap(err, "can't write settings")
		}
		printSettings(settings)
		return nil
	})
}

func firmware(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, e *env) error {
		v, err := e.session.ReadFirmwareVersion(ctx)
		if err != nil {
			return errors.Wrap(err, "can't read firmware version")
		}
		fmt.Println(v)
		return nil
	})
}

func brightness(c *cli.Context) error {
	if c.NArg() < 1 {
		return errNoArg
	}
	percent, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return errors.Wrapf(err, "invalid percent %q", c.Args().First())
	}
	return withSession(c, func(ctx context.Context, e *env) error {
		if err := e.session.PreviewBrightness(percent); err != nil {
			return err
		}
		return e.session.WaitQueue(ctx)
	})
}

func ring(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, e *env) error {
		var err error
		if c.IsSet("volume") {
			err = e.session.PreviewRingtoneVolume(c.Int("volume"))
		} else {
			err = e.session.PreviewRingtone()
		}
		if err != nil {
			return err
		}
		return e.session.WaitQueue(ctx)
	})
}

func upload(c *cli.Context) error {
	if c.NArg() < 1 {
		return errNoArg
	}
	payload, err := ringtone.LoadPayload(c.Args().First())
	if err != nil {
		return errors.Wrap(err, "can't load ringtone")
	}
	return withSession(c, func(ctx context.Context, e *env) error {
		settings, err := e.session.ReadSettings(ctx)
		if err != nil {
			return errors.Wrap(err, "can't read settings")
		}
		slot, err := pickSlot(c.String("slot"), e.cfg, settings.RingtoneSignature)
		if err != nil {
			return err
		}

		fmt.Printf("Uploading %d bytes to slot %s\n", len(payload), slot)
		start := time.Now()
		err = e.session.UploadAudio(ctx, payload, slot, func(f float64) {
			fmt.Printf("\r  %5.1f%%", f*100)
		})
		fmt.Println()
		if err != nil {
			return errors.Wrap(err, "upload failed")
		}
		fmt.Printf("Uploaded in %s\n", time.Since(start).Round(time.Millisecond))

		if !c.BoolT("activate") {
			return nil
		}
		settings.RingtoneSignature = slot
		return errors.Wrap(e.session.WriteSettings(ctx, settings), "can't select the new ringtone")
	})
}

// pickSlot returns the --slot override, or the configured slot the clock
// is not currently playing.
func pickSlot(override string, cfg *config.Config, current protocol.SlotSignature) (protocol.SlotSignature, error) {
	if override != "" {
		raw, err := hex.DecodeString(override)
		if err != nil || len(raw) != 4 {
			return protocol.SlotSignature{}, fmt.Errorf("--slot must be 8 hex digits, got %q", override)
		}
		var sig protocol.SlotSignature
		copy(sig[:], raw)
		return sig, nil
	}
	pair, err := cfg.SlotSignatures()
	if err != nil {
		return protocol.SlotSignature{}, err
	}
	return ringtone.NextSlot(current, pair)
}

func sensor(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, e *env) error {
		e.session.OnSensorReading(func(r protocol.SensorReading) {
			fmt.Printf("%s  %.2f°C  %.2f%%RH\n", time.Now().Format(time.TimeOnly), r.TemperatureC, r.HumidityRH)
		})
		fmt.Printf("Listening for %s, Ctrl+C to stop\n", c.Duration("duration"))
		select {
		case <-time.After(c.Duration("duration")):
		case <-ctx.Done():
		}
		return nil
	})
}

func rssi(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, e *env) error {
		v, err := e.session.ReadRSSI(ctx)
		if err != nil {
			return errors.Wrap(err, "can't read RSSI")
		}
		fmt.Printf("%d dBm\n", v)
		return nil
	})
}

func forget(c *cli.Context) error {
	_, st, address, err := setup(c)
	if err != nil {
		return err
	}
	if address == "" {
		return errNoDevice
	}
	if err := st.Forget(address); err != nil {
		return errors.Wrap(err, "can't update state store")
	}
	fmt.Printf("Forgot %s\n", address)
	return nil
}

func initConfig(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return errors.Wrap(err, "can't write config")
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
