package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dmarkelov/vkgrab/internal/daemon"
	"github.com/dmarkelov/vkgrab/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "default", "profile name")
	flag.Parse()

	if err := profile.ValidateName(*profileFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: *profileFlag}),
	)

	app.Run()
}
