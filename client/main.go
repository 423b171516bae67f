package main

import (
	"os"

	"github.com/srika/srika/client/cmd"
)

func main() {
	os.Exit(cmd.ExitCode(cmd.Execute()))
}
