package main

import "github.com/brensch/panelpull/cmd"

func main() {
	cmd.Execute()
}
