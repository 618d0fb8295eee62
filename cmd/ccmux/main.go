package main

import "github.com/ccmux/ccmux/internal/cmd"

func main() {
	cmd.Execute()
}
