package main

import "intercom-bridge/cmd"

func main() {
	cmd.Execute()
}
