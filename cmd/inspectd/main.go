package main

import "github.com/inspectd/inspectd/internal/cli"

func main() {
	cli.Execute()
}
