package main

import "github.com/tutu-network/scribe/internal/cli"

func main() {
	cli.Execute()
}
