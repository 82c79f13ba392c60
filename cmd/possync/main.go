package main

import (
	"context"
	"fmt"
	"os"

	"github.com/wurt83ow/possync/pkg/client"
)

func main() {
	if err := client.Execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "possync:", err)
		os.Exit(1)
	}
}
