package main

import "winrate-watch/internal/cli"

func main() {
	cli.Execute()
}
