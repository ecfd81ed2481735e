package main

import "custody/internal/cli"

func main() {
	cli.Execute()
}
