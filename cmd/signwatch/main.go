package main

import (
	"github.com/ppiankov/signwatch/internal/cli"
)

func main() {
	cli.Execute()
}
