package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	a := &app{}
	defer a.sync()

	if err := fang.Execute(context.Background(), NewRootCmd(version, a)); err != nil {
		os.Exit(1)
	}
}
