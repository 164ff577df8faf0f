// Package commands wires the CLI surface and assembles the runtime from
// its parts.
package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// GetCommands returns every top level CLI command.
func GetCommands() []*cli.Command {
	return []*cli.Command{
		serveCommand(),
	}
}

// GlobalFlags are shared by every command.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level",
			Aliases: []string{"l"},
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "info",
		},
		&cli.BoolFlag{
			Name:    "log-json",
			Usage:   "Log in JSON format",
			EnvVars: []string{"LOG_JSON"},
		},
	}
}

// Before configures logging from the global flags.
func Before(c *cli.Context) error {
	if c.Bool("log-json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	switch c.String("log-level") {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	}
	return nil
}
