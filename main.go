package main

import "audio-forge/cmd"

func main() {
	cmd.Execute()
}
