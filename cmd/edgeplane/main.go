package main

import (
	"os"
	"path"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/yniverz/edgeplane/internal/commands"
)

func main() {
	app := cli.NewApp()
	app.Name = path.Base(os.Args[0])
	app.Usage = "edge routing controller"

	app.Commands = commands.GetCommands()
	app.CommandNotFound = func(c *cli.Context, command string) {
		logrus.Fatalf("command %s not found", command)
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
