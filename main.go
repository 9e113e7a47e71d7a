package main

import "github.com/conneroisu/flop/cmd"

func main() {
	cmd.Execute()
}
