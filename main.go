package main

import (
	"github.com/wodexiaobai322/claude-code-sandbox/cmd"
	"github.com/wodexiaobai322/claude-code-sandbox/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
