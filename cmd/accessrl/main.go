package main

import "github.com/elf-platform/accessrl/cmd/accessrl/cmd"

func main() {
	cmd.Execute()
}
