package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/certbind/cmd/certbind/internal/commands"
	"github.com/wolfeidau/certbind/internal/certstore"
	"github.com/wolfeidau/certbind/internal/certstore/ssm"
)

var (
	version = "dev"
	cli     struct {
		Serve   commands.ServeCmd   `cmd:"" help:"Bind the configured endpoints and serve until interrupted"`
		Check   commands.CheckCmd   `cmd:"" help:"Resolve certificates and endpoints without listening"`
		Devcert commands.DevcertCmd `cmd:"" help:"Issue a development server certificate"`
		Store   commands.StoreCmd   `cmd:"" help:"Manage certificate stores"`
		Debug   bool                `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Vars{
			"version":           version,
			"local_machine_dir": certstore.DefaultLocalMachineDir,
			"ssm_prefix":        ssm.DefaultPrefix,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
