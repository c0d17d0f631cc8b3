package main

import "github.com/cloudpaste/cloudpaste/cmd/cloudpaste/cmd"

func main() {
	cmd.Execute()
}
