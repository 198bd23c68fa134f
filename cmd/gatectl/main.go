package main

import "github.com/klazomenai/splash-gate/internal/cli"

func main() {
	cli.Execute()
}
