package main

import "medication-dispenser/internal/cli"

func main() {
	cli.Execute()
}
