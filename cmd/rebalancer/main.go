package main

import "intents-rebalancer/internal/cli"

func main() {
	cli.Execute()
}
