package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"github.com/wwwVladislav/MedvedDB/internal/config"
	"github.com/wwwVladislav/MedvedDB/internal/node"
)

var cfgFlag = cli.StringFlag{
	Name:  "cfg, c",
	Usage: "path to the node's INI configuration file",
}

func main() {
	app := cli.NewApp()
	app.Name = "medved"
	app.Usage = "distributed column-store node"
	app.Flags = []cli.Flag{cfgFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("cfg"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.Open(ctx, cfg)
	if err != nil {
		return err
	}
	if err := n.Run(); err != nil {
		n.Close()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-sig

	return n.Close()
}
