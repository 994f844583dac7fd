package main

import (
	"os"

	"camprobe/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
