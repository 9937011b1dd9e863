package main

import "oracle-reconciler/internal/cli"

func main() {
	cli.Execute()
}
