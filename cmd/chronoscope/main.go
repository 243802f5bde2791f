package main

import "github.com/amirkhaki/chronoscope/cmd/chronoscope/cmd"

func main() {
	cmd.Execute()
}
