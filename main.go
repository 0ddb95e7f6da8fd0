package main

import "tournament-engine/cmd"

func main() {
	cmd.Execute()
}
