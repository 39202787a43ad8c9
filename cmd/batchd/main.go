package main

import (
	"github.com/shizukutanaka/batchd/cmd/batchd/commands"
)

func main() {
	commands.Execute()
}
