package main

import "github.com/vietddude/bridge-oracle/internal/cli"

func main() {
	cli.Execute()
}
