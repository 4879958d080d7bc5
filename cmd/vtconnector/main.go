package main

import "github.com/glimps-re/vt-connector/cmd/cli"

func main() {
	cli.Main()
}
