package main

import "telecare-backend/cmd/call-agent/cmd"

func main() {
	cmd.Execute()
}
