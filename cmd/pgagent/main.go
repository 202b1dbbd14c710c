package main

import "pgagent/cmd/cli"

func main() {
	cli.Execute()
}
