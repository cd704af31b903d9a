package main

import "github.com/kcaldas/tokenopt/cmd/cli"

func main() {
	cli.Execute()
}
