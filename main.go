package main

import (
	"github.com/nrgsoft/etrace/pkg/cmd"
)

func main() {
	cmd.Execute()
}
