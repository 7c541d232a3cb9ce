package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/fx"

	"github.com/matheus3301/omnichat/internal/daemon"
	"github.com/matheus3301/omnichat/internal/profile"
)

func main() {
	profileFlag := pflag.StringP("profile", "p", "", "profile name (overrides config default)")
	configFlag := pflag.String("config", "", "config file (default ~/.omnichat/config.toml)")
	pflag.Parse()

	layout, err := profile.Select(*profileFlag, *configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: layout, ConfigPath: *configFlag}),
	)

	app.Run()
}
