package main

import "github.com/odxtools/odetl/cmd"

func main() {
	cmd.Execute()
}
