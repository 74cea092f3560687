package main

import "automator/cmd/cli"

func main() {
	cli.Execute()
}
