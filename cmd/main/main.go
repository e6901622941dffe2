package main

import (
	"os"

	"github.com/example/measure-app/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
