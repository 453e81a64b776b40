package main

import "sdexindexer/internal/cli"

func main() {
	cli.Execute()
}
