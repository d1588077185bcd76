package main

import "github.com/coinpulse/alertfeed/cmd"

func main() {
	cmd.Execute()
}
