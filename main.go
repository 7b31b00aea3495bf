package main

import (
	"context"
	"fmt"
	"os"

	"github.com/xlttj/cftunnel/pkg/cmd"
)

var version = "dev"

func main() {
	if err := cmd.NewCmdCftunnel(version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
