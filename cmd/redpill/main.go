package main

import "github.com/vyrti/redpill/internal/cli"

func main() {
	cli.Execute()
}
