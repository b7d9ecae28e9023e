package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/clockwise/internal/config"
)

func main() {
	app := cli.NewApp()

	app.Name = "clockwise"
	app.Usage = "Manage a Bluetooth LE alarm clock"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to config file (default: ~/.config/clockwise/config.yaml)"},
		cli.StringFlag{Name: "device, d", Usage: "device address, overrides device.address"},
		cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error, overrides log_level"},
	}
	app.Before = setupLogging

	app.Commands = []cli.Command{
		{
			Name:   "scan",
			Usage:  "List nearby clocks advertising the configured service",
			Action: scan,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration", Value: 5 * time.Second, Usage: "how long to scan"},
			},
		},
		{
			Name:   "connect",
			Usage:  "Pair or authenticate, sync the clock and print device info",
			Action: connect,
		},
		{
			Name:  "alarms",
			Usage: "Read and edit alarm slots",
			Subcommands: []cli.Command{
				{
					Name:   "list",
					Usage:  "List the occupied alarm slots",
					Action: alarmsList,
				},
				{
					Name:      "set",
					Usage:     "Write an alarm slot",
					ArgsUsage: "<id> <HH:MM>",
					Action:    alarmsSet,
					Flags: []cli.Flag{
						cli.StringFlag{Name: "days", Usage: "once, weekdays, weekend, everyday or a list like mon,wed,fri", Value: "once"},
						cli.BoolFlag{Name: "snooze", Usage: "enable snooze"},
						cli.BoolFlag{Name: "disabled", Usage: "store the alarm switched off"},
					},
				},
				{
					Name:      "delete",
					Usage:     "Clear an alarm slot",
					ArgsUsage: "<id>",
					Action:    alarmsDelete,
				},
			},
		},
		{
			Name:  "settings",
			Usage: "Read and edit device settings",
			Subcommands: []cli.Command{
				{
					Name:   "get",
					Usage:  "Print the device settings",
					Action: settingsGet,
				},
				{
					Name:   "set",
					Usage:  "Change device settings, keeping the rest as read from the clock",
					Action: settingsSet,
					Flags: []cli.Flag{
						cli.IntFlag{Name: "volume", Usage: "alarm volume 1-5"},
						cli.StringFlag{Name: "time-format", Usage: "12h or 24h"},
						cli.StringFlag{Name: "temp-unit", Usage: "c or f"},
						cli.StringFlag{Name: "language", Usage: "en or zh"},
						cli.StringFlag{Name: "timezone", Usage: "UTC offset such as +8h, -3h30m or local"},
						cli.IntFlag{Name: "brightness", Usage: "screen brightness percent"},
						cli.StringFlag{Name: "night", Usage: "night mode window HH:MM-HH:MM, or off"},
						cli.IntFlag{Name: "night-brightness", Usage: "night mode brightness percent"},
						cli.IntFlag{Name: "backlight", Usage: "backlight duration in seconds, 0-60"},
						cli.StringFlag{Name: "alarms", Usage: "on or off, the master alarm switch"},
					},
				},
			},
		},
		{
			Name:   "firmware",
			Usage:  "Print the firmware version",
			Action: firmware,
		},
		{
			Name:      "brightness",
			Usage:     "Preview a screen brightness without saving it",
			ArgsUsage: "<percent>",
			Action:    brightness,
		},
		{
			Name:   "ring",
			Usage:  "Play the current ringtone",
			Action: ring,
			Flags: []cli.Flag{
				cli.IntFlag{Name: "volume", Usage: "volume 1-5, default is the configured volume"},
			},
		},
		{
			Name:      "upload",
			Usage:     "Upload a custom ringtone from a WAV or raw file",
			ArgsUsage: "<file>",
			Action:    upload,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "slot", Usage: "slot signature as 8 hex digits, default alternates"},
				cli.BoolTFlag{Name: "activate", Usage: "select the uploaded ringtone afterwards"},
			},
		},
		{
			Name:   "sensor",
			Usage:  "Stream temperature and humidity readings",
			Action: sensor,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration", Value: 30 * time.Second, Usage: "how long to listen"},
			},
		},
		{
			Name:   "rssi",
			Usage:  "Print the link signal strength",
			Action: rssi,
		},
		{
			Name:   "forget",
			Usage:  "Drop the stored token and settings so the next connect pairs again",
			Action: forget,
		},
		{
			Name:   "init-config",
			Usage:  "Write the default config file if none exists",
			Action: initConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "clockwise: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging installs a text slog handler at the configured level.
func setupLogging(c *cli.Context) error {
	level := c.GlobalString("log-level")
	if level == "" {
		if cfg, err := loadConfig(c.GlobalString("config")); err == nil {
			level = cfg.LogLevel
		}
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(level)})
	slog.SetDefault(slog.New(handler))
	return nil
}
