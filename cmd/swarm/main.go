package main

import "github.com/vietddude/swarm/internal/cli"

func main() {
	cli.Execute()
}
