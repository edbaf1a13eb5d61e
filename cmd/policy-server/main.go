package main

import (
	"github.com/kubewarden/policy-server/internal/server/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()
	cmd.Execute(rootCmd)
}
