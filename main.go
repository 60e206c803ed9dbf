package main

import "github.com/agentic-research/axisdb/cmd"

func main() {
	cmd.Execute()
}
